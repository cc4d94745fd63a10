// Package dilemma serves random dilemmas, records votes, and asks the
// language model for new dilemmas and moral-profile analyses.
package dilemma

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/llm"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

// sampleLimit is how many stored dilemmas are read as style examples for
// generation; exampleLimit of them end up in the prompt.
const (
	sampleLimit  = 5
	exampleLimit = 3
)

type Store interface {
	ListDilemmas(ctx context.Context, language string) ([]*db.Dilemma, error)
	SampleDilemmas(ctx context.Context, language string, limit int) ([]*db.Dilemma, error)
	IncrementVote(ctx context.Context, id string, choice db.Choice) (yes, no int64, err error)
}

// Completer is the fallback caller.
type Completer interface {
	Complete(ctx context.Context, operation string, req llm.Request) (*llm.Completion, error)
}

// VoteCounter is told about every recorded vote.
type VoteCounter interface {
	IncVote(choice string)
}

type Service struct {
	store Store
	llm   Completer
	votes VoteCounter
	intn  func(n int) int
}

func New(store Store, completer Completer, votes VoteCounter) *Service {
	return &Service{store: store, llm: completer, votes: votes, intn: rand.IntN}
}

// Random returns one dilemma of language chosen uniformly among those not in
// exclude. When exclude covers the whole pool it is ignored and the choice
// is made among all dilemmas of the language.
func (s *Service) Random(ctx context.Context, language string, exclude map[string]struct{}) (*db.Dilemma, error) {
	if err := validate.Language(language); err != nil {
		return nil, err
	}
	if len(exclude) > validate.MaxExcluded {
		return nil, fmt.Errorf("%w: too many excluded ids", validate.ErrInvalid)
	}
	all, err := s.store.ListDilemmas(ctx, language)
	if err != nil {
		return nil, fmt.Errorf("listing dilemmas: %w", err)
	}
	if len(all) == 0 {
		slog.Warn("no dilemmas for language", "language", language)
		return nil, fmt.Errorf("%w: no dilemmas found for language: %s", db.ErrNotFound, language)
	}

	pool := make([]*db.Dilemma, 0, len(all))
	for _, d := range all {
		if _, seen := exclude[d.ID]; !seen {
			pool = append(pool, d)
		}
	}
	if len(pool) == 0 {
		slog.Info("all dilemmas seen, resetting pool", "language", language, "size", len(all))
		pool = all
	}
	return pool[s.intn(len(pool))], nil
}

// VoteResult is returned by Vote.
type VoteResult struct {
	Message string  `json:"message"`
	Updated Tallies `json:"updated"`
}

type Tallies struct {
	YesCount int64 `json:"yesCount"`
	NoCount  int64 `json:"noCount"`
}

// Vote increments the yes or no counter of dilemma id by one.
func (s *Service) Vote(ctx context.Context, id, vote string) (*VoteResult, error) {
	if err := validate.ItemID(id); err != nil {
		return nil, err
	}
	v, err := validate.Vote(vote)
	if err != nil {
		return nil, err
	}
	yes, no, err := s.store.IncrementVote(ctx, id, db.Choice(v))
	if err != nil {
		return nil, fmt.Errorf("recording vote on %s: %w", id, err)
	}
	if s.votes != nil {
		s.votes.IncVote(v)
	}
	slog.Info("vote recorded", "dilemma", id, "vote", v)
	return &VoteResult{
		Message: fmt.Sprintf("Successfully recorded your '%s' vote.", v),
		Updated: Tallies{YesCount: yes, NoCount: no},
	}, nil
}

// Generate asks the model for a new dilemma in language, using a few stored
// dilemmas as style examples. The provider response is returned as is.
func (s *Service) Generate(ctx context.Context, language string) (*llm.Completion, error) {
	if err := validate.Language(language); err != nil {
		return nil, err
	}
	samples, err := s.store.SampleDilemmas(ctx, language, sampleLimit)
	if err != nil {
		slog.Warn("could not fetch sample dilemmas", "language", language, "error", err)
		samples = nil
	}
	if len(samples) > exampleLimit {
		samples = samples[:exampleLimit]
	}
	prompt := generatePrompt(language, samples)
	return s.llm.Complete(ctx, "generate dilemma", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
}

// ChosenDilemma is one dilemma the player answered, with the answer taken.
type ChosenDilemma struct {
	Dilemma      string             `json:"dilemma"`
	FirstAnswer  string             `json:"firstAnswer"`
	SecondAnswer string             `json:"secondAnswer"`
	ChosenAnswer string             `json:"chosenAnswer"`
	ChosenValues map[string]float64 `json:"chosenValues,omitempty"`
}

type AnalyzeRequest struct {
	Answers             []map[string]float64 `json:"answers"`
	DilemmasWithChoices []ChosenDilemma      `json:"dilemmasWithChoices,omitempty"`
}

type Analysis struct {
	Analysis string             `json:"analysis"`
	Averages map[string]float64 `json:"averages"`
	Model    string             `json:"-"`
}

// Analyze averages the submitted answer scores per dimension and asks the
// model to describe the resulting moral profile.
func (s *Service) Analyze(ctx context.Context, language string, req AnalyzeRequest) (*Analysis, error) {
	if err := validate.Language(language); err != nil {
		return nil, err
	}
	if err := validate.AnswerCount(len(req.Answers)); err != nil {
		return nil, err
	}
	averages := Averages(req.Answers)
	for _, k := range sortedKeys(averages) {
		if v := averages[k]; math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: %s scores are out of range", validate.ErrInvalid, k)
		}
	}
	prompt := analyzePrompt(language, averages, req.DilemmasWithChoices)

	comp, err := s.llm.Complete(ctx, "analyze results", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	text, err := comp.Text()
	if err != nil {
		return nil, err
	}
	return &Analysis{Analysis: text, Averages: averages, Model: comp.Model}, nil
}

// Averages returns, per dimension, the sum over all answers divided by the
// number of answers, rounded to two decimals. A dimension missing from an
// answer counts as zero for it.
func Averages(answers []map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	if len(answers) == 0 {
		return out
	}
	for _, a := range answers {
		for k, v := range a {
			out[k] += v
		}
	}
	n := float64(len(answers))
	for k, sum := range out {
		out[k] = math.Round(sum/n*100) / 100
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
