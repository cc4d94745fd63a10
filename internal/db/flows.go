package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func scanFlow(s interface{ Scan(...any) error }) (*StoryFlow, error) {
	var id, language, baseID, doc string
	if err := s.Scan(&id, &language, &baseID, &doc); err != nil {
		return nil, err
	}
	f := &StoryFlow{}
	if err := json.Unmarshal([]byte(doc), f); err != nil {
		return nil, fmt.Errorf("decoding story flow %s: %w", id, err)
	}
	f.ID, f.Language, f.BaseID = id, language, baseID
	for key, n := range f.Nodes {
		if n == nil {
			delete(f.Nodes, key)
			continue
		}
		n.ID = key
	}
	return f, nil
}

const flowColumns = `id, language, base_id, doc`

// GetFlow returns one story flow by its full id ("<baseId>-<language>").
func (db *DB) GetFlow(ctx context.Context, id string) (*StoryFlow, error) {
	row := db.QueryRowContext(ctx, "SELECT "+flowColumns+" FROM story_flows WHERE id = ?", id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting story flow: %w", err)
	}
	return f, nil
}

// ListFlows returns every story flow tagged with language, or every flow
// when language is empty.
func (db *DB) ListFlows(ctx context.Context, language string) ([]*StoryFlow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if language == "" {
		rows, err = db.QueryContext(ctx, "SELECT "+flowColumns+" FROM story_flows ORDER BY language, id")
	} else {
		rows, err = db.QueryContext(ctx, "SELECT "+flowColumns+" FROM story_flows WHERE language = ? ORDER BY id", language)
	}
	if err != nil {
		return nil, fmt.Errorf("listing story flows: %w", err)
	}
	defer rows.Close()

	var out []*StoryFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PutFlows writes a batch of story flows in one transaction.
func (db *DB) PutFlows(ctx context.Context, flows []*StoryFlow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := putFlows(ctx, tx, flows); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceFlows deletes every flow of language and writes flows in the same
// transaction. It returns the number of rows deleted.
func (db *DB) ReplaceFlows(ctx context.Context, language string, flows []*StoryFlow) (int64, error) {
	if language == "" {
		return 0, fmt.Errorf("replacing story flows: language required")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM story_flows WHERE language = ?", language)
	if err != nil {
		return 0, fmt.Errorf("deleting story flows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := putFlows(ctx, tx, flows); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func putFlows(ctx context.Context, tx *sql.Tx, flows []*StoryFlow) error {
	for _, f := range flows {
		if f.ID == "" || f.Language == "" {
			return fmt.Errorf("story flow missing id or language")
		}
		doc, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encoding story flow %s: %w", f.ID, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO story_flows (id, language, base_id, title, doc)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				language = excluded.language,
				base_id = excluded.base_id,
				title = excluded.title,
				doc = excluded.doc`,
			f.ID, f.Language, f.BaseID, f.Title, string(doc))
		if err != nil {
			return fmt.Errorf("writing story flow %s: %w", f.ID, err)
		}
	}
	return nil
}

// DeleteFlows removes every flow of language, or all flows when language is empty.
func (db *DB) DeleteFlows(ctx context.Context, language string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if language == "" {
		res, err = db.ExecContext(ctx, "DELETE FROM story_flows")
	} else {
		res, err = db.ExecContext(ctx, "DELETE FROM story_flows WHERE language = ?", language)
	}
	if err != nil {
		return 0, fmt.Errorf("deleting story flows: %w", err)
	}
	return res.RowsAffected()
}
