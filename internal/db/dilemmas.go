package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Choice selects which vote counter to increment.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

func scanDilemma(s interface{ Scan(...any) error }) (*Dilemma, error) {
	var (
		id, language, baseID, doc string
		yes, no                   int64
	)
	if err := s.Scan(&id, &language, &baseID, &doc, &yes, &no); err != nil {
		return nil, err
	}
	d := &Dilemma{}
	if err := json.Unmarshal([]byte(doc), d); err != nil {
		return nil, fmt.Errorf("decoding dilemma %s: %w", id, err)
	}
	// Columns are authoritative for identity and tallies.
	d.ID, d.Language, d.BaseID = id, language, baseID
	d.YesCount, d.NoCount = yes, no
	return d, nil
}

const dilemmaColumns = `id, language, base_id, doc, yes_count, no_count`

// GetDilemma returns one dilemma by id.
func (db *DB) GetDilemma(ctx context.Context, id string) (*Dilemma, error) {
	row := db.QueryRowContext(ctx, "SELECT "+dilemmaColumns+" FROM dilemmas WHERE id = ?", id)
	d, err := scanDilemma(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting dilemma: %w", err)
	}
	return d, nil
}

// ListDilemmas returns every dilemma tagged with language.
func (db *DB) ListDilemmas(ctx context.Context, language string) ([]*Dilemma, error) {
	return db.queryDilemmas(ctx, "SELECT "+dilemmaColumns+" FROM dilemmas WHERE language = ? ORDER BY id", language)
}

// SampleDilemmas returns up to limit dilemmas of language, in storage order.
func (db *DB) SampleDilemmas(ctx context.Context, language string, limit int) ([]*Dilemma, error) {
	return db.queryDilemmas(ctx, "SELECT "+dilemmaColumns+" FROM dilemmas WHERE language = ? LIMIT ?", language, limit)
}

// AllDilemmas returns every stored dilemma, all languages.
func (db *DB) AllDilemmas(ctx context.Context) ([]*Dilemma, error) {
	return db.queryDilemmas(ctx, "SELECT "+dilemmaColumns+" FROM dilemmas ORDER BY language, id")
}

func (db *DB) queryDilemmas(ctx context.Context, query string, args ...any) ([]*Dilemma, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dilemmas: %w", err)
	}
	defer rows.Close()

	var out []*Dilemma
	for rows.Next() {
		d, err := scanDilemma(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IncrementVote adds exactly one to the yes or no counter of a dilemma and
// returns both counters as stored after the increment. The increment is a
// single UPDATE statement, so concurrent votes never lose updates.
func (db *DB) IncrementVote(ctx context.Context, id string, choice Choice) (yes, no int64, err error) {
	var col string
	switch choice {
	case ChoiceYes:
		col = "yes_count"
	case ChoiceNo:
		col = "no_count"
	default:
		return 0, 0, fmt.Errorf("unknown vote choice %q", choice)
	}

	err = db.QueryRowContext(ctx,
		"UPDATE dilemmas SET "+col+" = "+col+" + 1, updated_at = datetime('now') WHERE id = ? RETURNING yes_count, no_count",
		id).Scan(&yes, &no)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("incrementing %s: %w", col, err)
	}
	return yes, no, nil
}

// PutDilemmas writes a batch of dilemmas in one transaction, replacing any
// existing row with the same id.
func (db *DB) PutDilemmas(ctx context.Context, items []*Dilemma) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := putDilemmas(ctx, tx, items); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceDilemmas deletes every dilemma of language and writes items in the
// same transaction, so a failed write leaves the old rows in place. It
// returns the number of rows deleted.
func (db *DB) ReplaceDilemmas(ctx context.Context, language string, items []*Dilemma) (int64, error) {
	if language == "" {
		return 0, fmt.Errorf("replacing dilemmas: language required")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM dilemmas WHERE language = ?", language)
	if err != nil {
		return 0, fmt.Errorf("deleting dilemmas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := putDilemmas(ctx, tx, items); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func putDilemmas(ctx context.Context, tx *sql.Tx, items []*Dilemma) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dilemmas (id, language, base_id, doc, yes_count, no_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			language = excluded.language,
			base_id = excluded.base_id,
			doc = excluded.doc,
			yes_count = excluded.yes_count,
			no_count = excluded.no_count,
			updated_at = datetime('now')`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range items {
		if d.ID == "" || d.Language == "" {
			return fmt.Errorf("dilemma missing id or language")
		}
		doc, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding dilemma %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Language, d.BaseID, string(doc), d.YesCount, d.NoCount); err != nil {
			return fmt.Errorf("writing dilemma %s: %w", d.ID, err)
		}
	}
	return nil
}

// DeleteDilemmas removes every dilemma of language, or all dilemmas when
// language is empty. It returns the number of rows removed.
func (db *DB) DeleteDilemmas(ctx context.Context, language string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if language == "" {
		res, err = db.ExecContext(ctx, "DELETE FROM dilemmas")
	} else {
		res, err = db.ExecContext(ctx, "DELETE FROM dilemmas WHERE language = ?", language)
	}
	if err != nil {
		return 0, fmt.Errorf("deleting dilemmas: %w", err)
	}
	return res.RowsAffected()
}

// CountDilemmas returns the number of dilemmas per language.
func (db *DB) CountDilemmas(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT language, COUNT(*) FROM dilemmas GROUP BY language")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var lang string
		var n int
		if err := rows.Scan(&lang, &n); err != nil {
			return nil, err
		}
		out[lang] = n
	}
	return out, rows.Err()
}
