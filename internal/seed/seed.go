// Package seed bulk-loads dilemmas and story flows from the JSON arrays the
// content team maintains, one file per language.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/story"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

type Store interface {
	PutDilemmas(ctx context.Context, items []*db.Dilemma) error
	DeleteDilemmas(ctx context.Context, language string) (int64, error)
	PutFlows(ctx context.Context, flows []*db.StoryFlow) error
	DeleteFlows(ctx context.Context, language string) (int64, error)
	ReplaceDilemmas(ctx context.Context, language string, items []*db.Dilemma) (int64, error)
	ReplaceFlows(ctx context.Context, language string, flows []*db.StoryFlow) (int64, error)
}

// DecodeDilemmas reads a JSON array of language-neutral dilemmas and tags
// each with language: the "_id" becomes the baseId and the stored id is
// "<baseId>-<language>". Missing vote counters start at zero.
func DecodeDilemmas(r io.Reader, language string) ([]*db.Dilemma, error) {
	if err := validate.Language(language); err != nil {
		return nil, err
	}
	var items []*db.Dilemma
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: decoding dilemmas: %v", validate.ErrInvalid, err)
	}
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for i, d := range items {
		if d == nil {
			continue
		}
		if err := validate.ItemID(d.ID); err != nil {
			return nil, fmt.Errorf("dilemma %d: %w", i, err)
		}
		if d.YesCount < 0 || d.NoCount < 0 {
			return nil, fmt.Errorf("%w: dilemma %s has negative vote counts", validate.ErrInvalid, d.ID)
		}
		base := baseOf(d.ID, d.BaseID, language)
		d.ID = variantID(base, language)
		d.BaseID = base
		d.Language = language
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate dilemma %s", validate.ErrInvalid, d.ID)
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, nil
}

// DecodeFlows reads a JSON array of story flows for language, with the same
// id convention as DecodeDilemmas. Flows with dangling edges are loaded and
// reported in the log.
func DecodeFlows(r io.Reader, language string) ([]*db.StoryFlow, error) {
	if err := validate.Language(language); err != nil {
		return nil, err
	}
	var flows []*db.StoryFlow
	if err := json.NewDecoder(r).Decode(&flows); err != nil {
		return nil, fmt.Errorf("%w: decoding story flows: %v", validate.ErrInvalid, err)
	}
	out := flows[:0]
	for i, f := range flows {
		if f == nil {
			continue
		}
		if err := validate.ItemID(f.ID); err != nil {
			return nil, fmt.Errorf("story flow %d: %w", i, err)
		}
		base := baseOf(f.ID, f.BaseID, language)
		f.ID = variantID(base, language)
		f.BaseID = base
		f.Language = language
		for key, n := range f.Nodes {
			if n == nil {
				delete(f.Nodes, key)
				continue
			}
			n.ID = key
		}
		story.CheckFlow(f)
		out = append(out, f)
	}
	return out, nil
}

// baseOf returns the language-neutral id. Documents exported from a running
// service already carry "<baseId>-<language>" ids and a baseId.
func baseOf(id, baseID, language string) string {
	if baseID != "" && id == variantID(baseID, language) {
		return baseID
	}
	return id
}

func variantID(baseID, language string) string {
	return baseID + "-" + language
}

type Options struct {
	Clear bool // replace the language's existing rows in the same batch
}

// LoadDilemmas decodes r and writes the dilemmas in one batch.
func LoadDilemmas(ctx context.Context, store Store, r io.Reader, language string, opts Options) (int, error) {
	items, err := DecodeDilemmas(r, language)
	if err != nil {
		return 0, err
	}
	if opts.Clear {
		n, err := store.ReplaceDilemmas(ctx, language, items)
		if err != nil {
			return 0, err
		}
		slog.Info("cleared dilemmas", "language", language, "count", n)
	} else if err := store.PutDilemmas(ctx, items); err != nil {
		return 0, err
	}
	slog.Info("loaded dilemmas", "language", language, "count", len(items))
	return len(items), nil
}

// LoadFlows decodes r and writes the story flows in one batch.
func LoadFlows(ctx context.Context, store Store, r io.Reader, language string, opts Options) (int, error) {
	flows, err := DecodeFlows(r, language)
	if err != nil {
		return 0, err
	}
	if opts.Clear {
		n, err := store.ReplaceFlows(ctx, language, flows)
		if err != nil {
			return 0, err
		}
		slog.Info("cleared story flows", "language", language, "count", n)
	} else if err := store.PutFlows(ctx, flows); err != nil {
		return 0, err
	}
	slog.Info("loaded story flows", "language", language, "count", len(flows))
	return len(flows), nil
}
