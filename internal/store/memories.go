package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/yume/internal/memory"
)

// MemoryStore persists memory entries in the memories table. It is the
// document side of the consistency engine.
type MemoryStore struct {
	db *pgxpool.Pool
}

// Put inserts or updates one entry, preserving created_at on update.
func (s *MemoryStore) Put(ctx context.Context, e *memory.Entry) error {
	return s.PutAll(ctx, []*memory.Entry{e})
}

// PutAll upserts the entries in one transaction.
func (s *MemoryStore) PutAll(ctx context.Context, entries []*memory.Entry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		var reminderJSON []byte
		if e.Reminder != nil {
			reminderJSON, err = json.Marshal(e.Reminder)
			if err != nil {
				return fmt.Errorf("marshal reminder: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO memories (id, kind, content, place, observed_at, reminder, created_at, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				content = EXCLUDED.content,
				place = EXCLUDED.place,
				observed_at = EXCLUDED.observed_at,
				reminder = EXCLUDED.reminder,
				modified_at = EXCLUDED.modified_at`,
			e.ID, e.Kind, e.Content, e.Place, e.ObservedAt, reminderJSON, e.CreatedAt, e.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert memory %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the entry by id, or (nil, nil) when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*memory.Entry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, kind, content, place, observed_at, reminder, created_at, modified_at
		FROM memories WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return e, nil
}

// GetAll returns the entries for the given ids. Missing ids are skipped.
func (s *MemoryStore) GetAll(ctx context.Context, ids []string) ([]*memory.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, content, place, observed_at, reminder, created_at, modified_at
		FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// List returns every entry, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*memory.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, content, place, observed_at, reminder, created_at, modified_at
		FROM memories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Delete removes one entry. Deleting an absent id is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return nil
}

// DeleteMany removes the given ids.
func (s *MemoryStore) DeleteMany(ctx context.Context, ids []string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	return nil
}

// DeleteAll truncates the table.
func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM memories`); err != nil {
		return fmt.Errorf("delete all memories: %w", err)
	}
	return nil
}

// Scan streams all entries in id order, batchSize at a time. Keyset
// pagination keeps memory flat no matter the table size.
func (s *MemoryStore) Scan(ctx context.Context, batchSize int, fn func(batch []*memory.Entry) error) error {
	lastID := ""
	for {
		rows, err := s.db.Query(ctx, `
			SELECT id, kind, content, place, observed_at, reminder, created_at, modified_at
			FROM memories WHERE id > $1 ORDER BY id LIMIT $2`, lastID, batchSize)
		if err != nil {
			return fmt.Errorf("scan memories: %w", err)
		}
		batch, err := collectEntries(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ID
	}
}

func collectEntries(rows pgx.Rows) ([]*memory.Entry, error) {
	var out []*memory.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*memory.Entry, error) {
	var e memory.Entry
	var reminderJSON []byte
	if err := row.Scan(&e.ID, &e.Kind, &e.Content, &e.Place, &e.ObservedAt, &reminderJSON, &e.CreatedAt, &e.ModifiedAt); err != nil {
		return nil, err
	}
	if len(reminderJSON) > 0 {
		e.Reminder = &memory.ReminderOptions{}
		if err := json.Unmarshal(reminderJSON, e.Reminder); err != nil {
			return nil, fmt.Errorf("unmarshal reminder: %w", err)
		}
	}
	return &e, nil
}
