package api

import (
	"net/http"

	"github.com/hazyhaar/moraltorture/internal/analytics"
)

func (a *API) handleGetStoryFlow(w http.ResponseWriter, r *http.Request) {
	language := queryLanguage(r)
	flow, err := a.stories.Flow(r.Context(), language, r.URL.Query().Get("flowId"))
	if err != nil {
		writeError(w, "get story flow", err)
		return
	}
	a.record(r, analytics.StoryFlowFetched, language, map[string]any{
		"flow_id":    flow.ID,
		"flow_title": flow.Title,
		"language":   language,
	})
	jsonResp(w, http.StatusOK, flow)
}

func (a *API) handleStoryNodeVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowID string `json:"flowId"`
		NodeID string `json:"nodeId"`
		Vote   string `json:"vote"`
	}
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		writeError(w, "story node vote", err)
		return
	}
	step, err := a.stories.Vote(r.Context(), req.FlowID, req.NodeID, req.Vote)
	if err != nil {
		writeError(w, "story node vote", err)
		return
	}
	var next any
	if step.NextNodeID != nil {
		next = *step.NextNodeID
	}
	a.record(r, analytics.StoryNodeVote, queryLanguage(r), map[string]any{
		"flow_id":      req.FlowID,
		"node_id":      req.NodeID,
		"vote":         req.Vote,
		"next_node_id": next,
		"is_leaf":      step.CurrentNode.IsLeaf,
	})
	jsonResp(w, http.StatusOK, step)
}
