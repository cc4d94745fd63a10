package dilemma

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/llm"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

type memStore struct {
	mu        sync.Mutex
	items     []*db.Dilemma
	sampleErr error
}

func (m *memStore) ListDilemmas(_ context.Context, lang string) ([]*db.Dilemma, error) {
	var out []*db.Dilemma
	for _, d := range m.items {
		if d.Language == lang {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) SampleDilemmas(ctx context.Context, lang string, limit int) ([]*db.Dilemma, error) {
	if m.sampleErr != nil {
		return nil, m.sampleErr
	}
	out, _ := m.ListDilemmas(ctx, lang)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) IncrementVote(_ context.Context, id string, c db.Choice) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.items {
		if d.ID == id {
			if c == db.ChoiceYes {
				d.YesCount++
			} else {
				d.NoCount++
			}
			return d.YesCount, d.NoCount, nil
		}
	}
	return 0, 0, db.ErrNotFound
}

func seed(lang string, n int) []*db.Dilemma {
	out := make([]*db.Dilemma, n)
	for i := range out {
		out[i] = &db.Dilemma{
			ID:       fmt.Sprintf("d%d-%s", i, lang),
			Language: lang,
			Prompt:   db.Prompt{Dilemma: strings.Repeat("x", 150), FirstAnswer: "A", SecondAnswer: "B"},
		}
	}
	return out
}

type fakeLLM struct {
	prompts []string
	comp    *llm.Completion
	err     error
}

func (f *fakeLLM) Complete(_ context.Context, _ string, req llm.Request) (*llm.Completion, error) {
	f.prompts = append(f.prompts, req.Messages[0].Content)
	if f.err != nil {
		return nil, f.err
	}
	return f.comp, nil
}

type voteCount map[string]int

func (v voteCount) IncVote(c string) { v[c]++ }

func TestRandomReturnsRequestedLanguage(t *testing.T) {
	store := &memStore{items: append(seed("en", 5), seed("it", 5)...)}
	s := New(store, nil, nil)
	for i := 0; i < 50; i++ {
		d, err := s.Random(context.Background(), "it", nil)
		if err != nil {
			t.Fatalf("Random: %v", err)
		}
		if d.Language != "it" {
			t.Fatalf("got language %q", d.Language)
		}
	}
}

func TestRandomExcludes(t *testing.T) {
	store := &memStore{items: seed("en", 3)}
	s := New(store, nil, nil)
	exclude := map[string]struct{}{"d0-en": {}, "d1-en": {}}
	for i := 0; i < 30; i++ {
		d, err := s.Random(context.Background(), "en", exclude)
		if err != nil {
			t.Fatalf("Random: %v", err)
		}
		if d.ID != "d2-en" {
			t.Fatalf("excluded dilemma returned: %s", d.ID)
		}
	}
}

func TestRandomResetsExhaustedPool(t *testing.T) {
	store := &memStore{items: seed("en", 4)}
	s := New(store, nil, nil)
	exclude := map[string]struct{}{}
	for _, d := range store.items {
		exclude[d.ID] = struct{}{}
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		d, err := s.Random(context.Background(), "en", exclude)
		if err != nil {
			t.Fatalf("exhausted pool must reset, got %v", err)
		}
		seen[d.ID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("reset pool should cover all 4 dilemmas, saw %d", len(seen))
	}
}

func TestRandomUniform(t *testing.T) {
	store := &memStore{items: seed("en", 3)}
	s := New(store, nil, nil)
	next := 0
	s.intn = func(n int) int { next = (next + 1) % n; return next }
	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		d, _ := s.Random(context.Background(), "en", nil)
		counts[d.ID]++
	}
	for id, c := range counts {
		if c != 10 {
			t.Errorf("%s picked %d times, want 10", id, c)
		}
	}
}

func TestRandomErrors(t *testing.T) {
	s := New(&memStore{items: seed("en", 1)}, nil, nil)
	if _, err := s.Random(context.Background(), "fr", nil); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("empty language: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Random(context.Background(), "e1", nil); !errors.Is(err, validate.ErrInvalid) {
		t.Errorf("bad language: expected ErrInvalid, got %v", err)
	}
	big := map[string]struct{}{}
	for i := 0; i <= validate.MaxExcluded; i++ {
		big[fmt.Sprint(i)] = struct{}{}
	}
	if _, err := s.Random(context.Background(), "en", big); !errors.Is(err, validate.ErrInvalid) {
		t.Errorf("oversized exclude: expected ErrInvalid, got %v", err)
	}
}

func TestVote(t *testing.T) {
	store := &memStore{items: seed("en", 1)}
	votes := voteCount{}
	s := New(store, nil, votes)

	const k = 7
	var res *VoteResult
	var err error
	for i := 0; i < k; i++ {
		res, err = s.Vote(context.Background(), "d0-en", "YES")
		if err != nil {
			t.Fatalf("Vote: %v", err)
		}
	}
	if res.Updated.YesCount != k || res.Updated.NoCount != 0 {
		t.Fatalf("tallies = %+v, want yes=%d no=0", res.Updated, k)
	}
	if res.Message != "Successfully recorded your 'yes' vote." {
		t.Errorf("message = %q", res.Message)
	}
	if votes["yes"] != k {
		t.Errorf("vote counter = %d", votes["yes"])
	}

	if _, err := s.Vote(context.Background(), "missing-en", "no"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("missing id: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Vote(context.Background(), "d0-en", "maybe"); !errors.Is(err, validate.ErrInvalid) {
		t.Errorf("bad vote: expected ErrInvalid, got %v", err)
	}
	if _, err := s.Vote(context.Background(), "d0 en", "no"); !errors.Is(err, validate.ErrInvalid) {
		t.Errorf("bad id: expected ErrInvalid, got %v", err)
	}
}

func TestVoteAgainstSQLite(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()
	if err := database.PutDilemmas(context.Background(), seed("en", 1)); err != nil {
		t.Fatal(err)
	}

	s := New(database, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Vote(context.Background(), "d0-en", "no"); err != nil {
				t.Errorf("Vote: %v", err)
			}
		}()
	}
	wg.Wait()

	d, err := database.GetDilemma(context.Background(), "d0-en")
	if err != nil {
		t.Fatal(err)
	}
	if d.NoCount != 10 || d.YesCount != 0 {
		t.Fatalf("tallies yes=%d no=%d, want 0/10", d.YesCount, d.NoCount)
	}
}

func TestGenerate(t *testing.T) {
	store := &memStore{items: seed("it", 5)}
	fake := &fakeLLM{comp: &llm.Completion{Model: "m", Raw: map[string]any{"id": "x"}}}
	s := New(store, fake, nil)

	comp, err := s.Generate(context.Background(), "it")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if comp.Raw["id"] != "x" {
		t.Fatalf("raw payload not returned: %v", comp.Raw)
	}
	prompt := fake.prompts[0]
	if !strings.Contains(prompt, "Genera un NUOVO") {
		t.Errorf("expected Italian prompt: %s", prompt)
	}
	if strings.Count(prompt, "Example ") != 3 {
		t.Errorf("expected 3 examples in prompt")
	}
	if strings.Contains(prompt, strings.Repeat("x", 101)) {
		t.Errorf("example text must be truncated to 100 characters")
	}
}

func TestGenerateIgnoresSampleFailure(t *testing.T) {
	store := &memStore{sampleErr: errors.New("scan failed")}
	fake := &fakeLLM{comp: &llm.Completion{Model: "m"}}
	s := New(store, fake, nil)

	if _, err := s.Generate(context.Background(), "en"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(fake.prompts[0], "Example 1") {
		t.Error("no examples expected when samples fail")
	}
	if !strings.HasPrefix(fake.prompts[0], "Generate a NEW") {
		t.Error("expected English prompt")
	}
}

func TestGeneratePropagatesExhaustion(t *testing.T) {
	fake := &fakeLLM{err: &llm.ExhaustedError{}}
	s := New(&memStore{}, fake, nil)
	if _, err := s.Generate(context.Background(), "en"); !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestAverages(t *testing.T) {
	got := Averages([]map[string]float64{
		{"empathy": 2, "justice": 4},
		{"empathy": 4, "justice": 6},
	})
	if diff := cmp.Diff(map[string]float64{"empathy": 3, "justice": 5}, got); diff != "" {
		t.Fatalf("Averages mismatch (-want +got):\n%s", diff)
	}

	got = Averages([]map[string]float64{{"honesty": 1}, {"honesty": 1}, {"honesty": 0}})
	if got["honesty"] != 0.67 {
		t.Fatalf("rounding: honesty = %v, want 0.67", got["honesty"])
	}
}

func TestAnalyze(t *testing.T) {
	fake := &fakeLLM{comp: &llm.Completion{Model: "m", Content: "You chose poorly."}}
	s := New(&memStore{}, fake, nil)

	res, err := s.Analyze(context.Background(), "en", AnalyzeRequest{
		Answers: []map[string]float64{{"justice": 4, "empathy": 2}, {"justice": 6, "empathy": 4}},
		DilemmasWithChoices: []ChosenDilemma{
			{Dilemma: "Trolley", FirstAnswer: "Pull", SecondAnswer: "Wait", ChosenAnswer: "Pull"},
		},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Analysis != "You chose poorly." || res.Averages["empathy"] != 3 {
		t.Fatalf("Analyze = %+v", res)
	}
	prompt := fake.prompts[0]
	if !strings.Contains(prompt, "empathy: 3, justice: 5") {
		t.Errorf("profile summary missing or unsorted: %s", prompt)
	}
	if !strings.Contains(prompt, "They chose: 'Pull'") {
		t.Errorf("chosen dilemmas missing: %s", prompt)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	s := New(&memStore{}, &fakeLLM{comp: &llm.Completion{Model: "m"}}, nil)

	if _, err := s.Analyze(context.Background(), "en", AnalyzeRequest{}); !errors.Is(err, validate.ErrInvalid) {
		t.Errorf("no answers: expected ErrInvalid, got %v", err)
	}
	many := make([]map[string]float64, validate.MaxAnswers+1)
	if _, err := s.Analyze(context.Background(), "en", AnalyzeRequest{Answers: many}); !errors.Is(err, validate.ErrInvalid) {
		t.Errorf("too many answers: expected ErrInvalid, got %v", err)
	}
	_, err := s.Analyze(context.Background(), "en", AnalyzeRequest{Answers: []map[string]float64{{"a": 1}}})
	if !errors.Is(err, llm.ErrBadResponse) {
		t.Errorf("empty completion: expected ErrBadResponse, got %v", err)
	}
}

func TestAnalyzeRejectsOverflowingScores(t *testing.T) {
	fake := &fakeLLM{comp: &llm.Completion{Model: "m", Content: "unused"}}
	s := New(&memStore{}, fake, nil)

	for _, answers := range [][]map[string]float64{
		{{"empathy": 1e308}, {"empathy": 1e308}},
		{{"justice": -1e308}, {"justice": -1e308}},
		{{"honesty": 1e307}},
	} {
		_, err := s.Analyze(context.Background(), "en", AnalyzeRequest{Answers: answers})
		if !errors.Is(err, validate.ErrInvalid) {
			t.Errorf("%v: expected ErrInvalid, got %v", answers, err)
		}
	}
	if len(fake.prompts) != 0 {
		t.Fatalf("provider called %d times for invalid scores", len(fake.prompts))
	}
}
