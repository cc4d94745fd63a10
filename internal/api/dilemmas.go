package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/hazyhaar/moraltorture/internal/analytics"
	"github.com/hazyhaar/moraltorture/internal/dilemma"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

func (a *API) handleGetDilemma(w http.ResponseWriter, r *http.Request) {
	language := queryLanguage(r)
	exclude, err := validate.ExcludeList(r.URL.Query().Get("exclude"))
	if err != nil {
		writeError(w, "get dilemma", err)
		return
	}
	d, err := a.dilemmas.Random(r.Context(), language, exclude)
	if err != nil {
		writeError(w, "get dilemma", err)
		return
	}
	a.record(r, analytics.DilemmaFetched, language, map[string]any{
		"dilemma_id": d.ID,
		"source":     "database",
	})
	jsonResp(w, http.StatusOK, d)
}

func (a *API) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"_id"`
		Vote string `json:"vote"`
	}
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		writeError(w, "vote", err)
		return
	}
	res, err := a.dilemmas.Vote(r.Context(), req.ID, req.Vote)
	if err != nil {
		writeError(w, "vote", err)
		return
	}
	a.record(r, analytics.VoteCast, queryLanguage(r), map[string]any{
		"dilemma_id": req.ID,
		"vote_type":  strings.ToLower(req.Vote),
	})
	jsonResp(w, http.StatusOK, res)
}

func (a *API) handleGenerateDilemma(w http.ResponseWriter, r *http.Request) {
	language := queryLanguage(r)
	// A client hanging up does not cancel an in-flight provider call.
	comp, err := a.dilemmas.Generate(context.WithoutCancel(r.Context()), language)
	if err != nil {
		writeError(w, "generate dilemma", err)
		return
	}
	a.record(r, analytics.DilemmaGenerated, language, map[string]any{
		"source": "ai_generated",
		"model":  comp.Model,
	})
	jsonResp(w, http.StatusOK, comp.Raw)
}

func (a *API) handleAnalyzeResults(w http.ResponseWriter, r *http.Request) {
	language := queryLanguage(r)
	var req dilemma.AnalyzeRequest
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		writeError(w, "analyze results", err)
		return
	}
	res, err := a.dilemmas.Analyze(context.WithoutCancel(r.Context()), language, req)
	if err != nil {
		writeError(w, "analyze results", err)
		return
	}
	a.record(r, analytics.ResultsAnalyzed, language, map[string]any{
		"num_dilemmas": len(req.Answers),
		"averages":     res.Averages,
	})
	jsonResp(w, http.StatusOK, res)
}
