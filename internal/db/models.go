package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Dimensions are the moral scoring axes, in display order.
var Dimensions = []string{"empathy", "integrity", "responsibility", "justice", "altruism", "honesty"}

// Prompt is the playable content shared by dilemmas and story nodes: the
// question, its two answers, a tease per answer and six scores per answer.
type Prompt struct {
	Dilemma      string `json:"dilemma"`
	FirstAnswer  string `json:"firstAnswer"`
	SecondAnswer string `json:"secondAnswer"`
	TeaseOption1 string `json:"teaseOption1"`
	TeaseOption2 string `json:"teaseOption2"`

	FirstAnswerEmpathy        float64 `json:"firstAnswerEmpathy"`
	FirstAnswerIntegrity      float64 `json:"firstAnswerIntegrity"`
	FirstAnswerResponsibility float64 `json:"firstAnswerResponsibility"`
	FirstAnswerJustice        float64 `json:"firstAnswerJustice"`
	FirstAnswerAltruism       float64 `json:"firstAnswerAltruism"`
	FirstAnswerHonesty        float64 `json:"firstAnswerHonesty"`

	SecondAnswerEmpathy        float64 `json:"secondAnswerEmpathy"`
	SecondAnswerIntegrity      float64 `json:"secondAnswerIntegrity"`
	SecondAnswerResponsibility float64 `json:"secondAnswerResponsibility"`
	SecondAnswerJustice        float64 `json:"secondAnswerJustice"`
	SecondAnswerAltruism       float64 `json:"secondAnswerAltruism"`
	SecondAnswerHonesty        float64 `json:"secondAnswerHonesty"`
}

// Scores returns the dimension scores of the first (first=true) or second answer.
func (p *Prompt) Scores(first bool) map[string]float64 {
	if first {
		return map[string]float64{
			"empathy":        p.FirstAnswerEmpathy,
			"integrity":      p.FirstAnswerIntegrity,
			"responsibility": p.FirstAnswerResponsibility,
			"justice":        p.FirstAnswerJustice,
			"altruism":       p.FirstAnswerAltruism,
			"honesty":        p.FirstAnswerHonesty,
		}
	}
	return map[string]float64{
		"empathy":        p.SecondAnswerEmpathy,
		"integrity":      p.SecondAnswerIntegrity,
		"responsibility": p.SecondAnswerResponsibility,
		"justice":        p.SecondAnswerJustice,
		"altruism":       p.SecondAnswerAltruism,
		"honesty":        p.SecondAnswerHonesty,
	}
}

// Dilemma is one ethical-choice prompt in one language, with its vote tallies.
// ID is conventionally "<baseId>-<language>".
type Dilemma struct {
	ID string `json:"_id"`
	Prompt
	YesCount int64  `json:"yesCount"`
	NoCount  int64  `json:"noCount"`
	Language string `json:"language"`
	BaseID   string `json:"baseId,omitempty"`
}

// RootNodeID is the node every story flow starts from.
const RootNodeID = "1"

// StoryFlow is a branching narrative: a graph of nodes traversed by binary choice.
type StoryFlow struct {
	ID          string                `json:"_id"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Language    string                `json:"language"`
	BaseID      string                `json:"baseId,omitempty"`
	Nodes       map[string]*StoryNode `json:"nodes"`
}

// Start returns the root node, or nil if the flow has none.
func (f *StoryFlow) Start() *StoryNode {
	return f.Nodes[RootNodeID]
}

// DanglingEdges lists "node->target" pairs whose target is not in the flow.
func (f *StoryFlow) DanglingEdges() []string {
	var out []string
	for id, n := range f.Nodes {
		for _, next := range []NodeRef{n.NextNodeOnFirst, n.NextNodeOnSecond} {
			if next == "" {
				continue
			}
			if _, ok := f.Nodes[string(next)]; !ok {
				out = append(out, id+"->"+string(next))
			}
		}
	}
	return out
}

// StoryNode is one step of a story flow.
type StoryNode struct {
	ID string `json:"id,omitempty"`
	Prompt
	Depth            int     `json:"depth,omitempty"`
	NextNodeOnFirst  NodeRef `json:"nextNodeOnFirst,omitempty"`
	NextNodeOnSecond NodeRef `json:"nextNodeOnSecond,omitempty"`
	IsLeaf           bool    `json:"isLeaf"`
}

// NodeRef is a reference to a node id. Bulk-loaded documents carry node ids
// either as strings or as bare numbers; both decode to the same string, and
// null decodes to the empty (absent) reference.
type NodeRef string

func (r *NodeRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*r = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = NodeRef(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("node reference %s: %w", b, err)
		}
		if i, err := n.Int64(); err == nil {
			*r = NodeRef(strconv.FormatInt(i, 10))
		} else {
			*r = NodeRef(n.String())
		}
	}
	return nil
}
