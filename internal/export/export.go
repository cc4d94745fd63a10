// Package export writes the content and vote tallies as JSONL, one record
// per dilemma or story flow, for offline analysis and backups.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/hazyhaar/moraltorture/internal/db"
)

const Version = "1"

type Store interface {
	AllDilemmas(ctx context.Context) ([]*db.Dilemma, error)
	ListDilemmas(ctx context.Context, language string) ([]*db.Dilemma, error)
	ListFlows(ctx context.Context, language string) ([]*db.StoryFlow, error)
}

// Record is one exported line.
type Record struct {
	ExportedAt string        `json:"exported_at"`
	Version    string        `json:"export_version"`
	Kind       string        `json:"kind"` // dilemma or story_flow
	Dilemma    *db.Dilemma   `json:"dilemma,omitempty"`
	Flow       *db.StoryFlow `json:"story_flow,omitempty"`
	Votes      *VoteSummary  `json:"votes,omitempty"`
}

type VoteSummary struct {
	Total    int64   `json:"total"`
	YesShare float64 `json:"yes_share"`
}

type Exporter struct {
	store Store
	now   func() time.Time
}

func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

// Export writes every dilemma, then every story flow, of language (all
// languages when empty). It returns the number of records written.
func (e *Exporter) Export(ctx context.Context, w io.Writer, language string) (int, error) {
	var (
		dilemmas []*db.Dilemma
		err      error
	)
	if language == "" {
		dilemmas, err = e.store.AllDilemmas(ctx)
	} else {
		dilemmas, err = e.store.ListDilemmas(ctx, language)
	}
	if err != nil {
		return 0, fmt.Errorf("reading dilemmas: %w", err)
	}
	flows, err := e.store.ListFlows(ctx, language)
	if err != nil {
		return 0, fmt.Errorf("reading story flows: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	stamp := e.now().UTC().Format(time.RFC3339)
	n := 0
	for _, d := range dilemmas {
		rec := Record{ExportedAt: stamp, Version: Version, Kind: "dilemma", Dilemma: d, Votes: summarize(d)}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("writing dilemma %s: %w", d.ID, err)
		}
		n++
	}
	for _, f := range flows {
		if err := enc.Encode(Record{ExportedAt: stamp, Version: Version, Kind: "story_flow", Flow: f}); err != nil {
			return n, fmt.Errorf("writing story flow %s: %w", f.ID, err)
		}
		n++
	}
	return n, nil
}

func summarize(d *db.Dilemma) *VoteSummary {
	total := d.YesCount + d.NoCount
	s := &VoteSummary{Total: total}
	if total > 0 {
		s.YesShare = math.Round(float64(d.YesCount)/float64(total)*1000) / 1000
	}
	return s
}
