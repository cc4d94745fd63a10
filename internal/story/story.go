// Package story serves branching story flows and advances a reader through
// them one binary choice at a time. The server keeps no cursor: every step
// is a pure function of the flow, the current node and the choice.
package story

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

type Choice string

const (
	First  Choice = "first"
	Second Choice = "second"
)

type Store interface {
	GetFlow(ctx context.Context, id string) (*db.StoryFlow, error)
	ListFlows(ctx context.Context, language string) ([]*db.StoryFlow, error)
}

type VoteCounter interface {
	IncVote(choice string)
}

type Service struct {
	store Store
	votes VoteCounter
	intn  func(n int) int
}

func New(store Store, votes VoteCounter) *Service {
	return &Service{store: store, votes: votes, intn: rand.IntN}
}

// FlowID is the stored id of a flow variant: "<baseId>-<language>".
func FlowID(baseID, language string) string {
	return baseID + "-" + language
}

// Flow returns the flow baseID in language, or a uniformly random flow of
// language when baseID is empty.
func (s *Service) Flow(ctx context.Context, language, baseID string) (*db.StoryFlow, error) {
	if err := validate.Language(language); err != nil {
		return nil, err
	}
	if baseID != "" {
		if err := validate.ItemID(baseID); err != nil {
			return nil, err
		}
		f, err := s.store.GetFlow(ctx, FlowID(baseID, language))
		if err != nil {
			return nil, fmt.Errorf("story flow %s: %w", FlowID(baseID, language), err)
		}
		return f, nil
	}

	flows, err := s.store.ListFlows(ctx, language)
	if err != nil {
		return nil, fmt.Errorf("listing story flows: %w", err)
	}
	if len(flows) == 0 {
		slog.Warn("no story flows for language", "language", language)
		return nil, fmt.Errorf("%w: no story flows available for language: %s", db.ErrNotFound, language)
	}
	return flows[s.intn(len(flows))], nil
}

// Step is the outcome of one vote. NextNodeID and NextNode are nil when the
// traversal is complete.
type Step struct {
	CurrentNode *db.StoryNode `json:"currentNode"`
	NextNodeID  *string       `json:"nextNodeId"`
	NextNode    *db.StoryNode `json:"nextNode"`
	IsComplete  bool          `json:"isComplete"`
}

// Transition resolves the node reached from nodeID by choice. A leaf, a
// missing edge or an edge to a node absent from the flow all complete the
// traversal. An unknown nodeID is ErrNotFound.
func Transition(flow *db.StoryFlow, nodeID string, choice Choice) (*Step, error) {
	current, ok := flow.Nodes[nodeID]
	if !ok || current == nil {
		return nil, fmt.Errorf("%w: node %s not in flow %s", db.ErrNotFound, nodeID, flow.ID)
	}
	step := &Step{CurrentNode: current, IsComplete: true}
	if current.IsLeaf {
		return step, nil
	}

	edge := current.NextNodeOnFirst
	if choice == Second {
		edge = current.NextNodeOnSecond
	}
	if edge == "" {
		return step, nil
	}
	next, ok := flow.Nodes[string(edge)]
	if !ok || next == nil {
		slog.Warn("story edge points outside flow", "flow", flow.ID, "node", nodeID, "target", string(edge))
		return step, nil
	}

	id := string(edge)
	step.NextNodeID = &id
	step.NextNode = next
	step.IsComplete = false
	return step, nil
}

// Vote loads flowID and applies Transition.
func (s *Service) Vote(ctx context.Context, flowID, nodeID, choice string) (*Step, error) {
	if err := validate.ItemID(flowID); err != nil {
		return nil, err
	}
	if err := validate.NodeID(nodeID); err != nil {
		return nil, err
	}
	if err := validate.StoryChoice(choice); err != nil {
		return nil, err
	}
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("story flow %s: %w", flowID, err)
	}
	step, err := Transition(flow, nodeID, Choice(choice))
	if err != nil {
		return nil, err
	}
	if s.votes != nil {
		s.votes.IncVote(choice)
	}
	slog.Info("story vote", "flow", flowID, "node", nodeID, "choice", choice, "complete", step.IsComplete)
	return step, nil
}

// CheckFlow logs edges that point outside the flow and a missing root node.
// Such flows are still served; traversal treats the broken edges as ends.
func CheckFlow(f *db.StoryFlow) []string {
	var problems []string
	if f.Start() == nil {
		problems = append(problems, "missing root node "+db.RootNodeID)
	}
	for _, e := range f.DanglingEdges() {
		problems = append(problems, "dangling edge "+e)
	}
	for _, p := range problems {
		slog.Warn("story flow check", "flow", f.ID, "problem", p)
	}
	return problems
}
