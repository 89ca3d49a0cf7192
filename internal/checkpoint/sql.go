package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name        string
	createTable string
	upsert      string
}

// sqlStore implements Store on database/sql. Tag, states and emitted
// positions are stored as JSON text; updated_at as unix milliseconds.
type sqlStore struct {
	db      *sql.DB
	table   string
	dialect dialect
}

func newSQLStore(db *sql.DB, table string, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, table: table, dialect: d}
	if _, err := db.Exec(fmt.Sprintf(d.createTable, table)); err != nil {
		return nil, fmt.Errorf("failed to create %s checkpoint table: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	states, err := json.Marshal(cp.States)
	if err != nil {
		return fmt.Errorf("failed to encode states: %w", err)
	}
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.upsert, s.table),
		cp.Projection, string(cp.Tag), string(states), string(cp.Emitted), updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Projection, err)
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, projection string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT tag, states, emitted, updated_at FROM %s WHERE name = ?", s.table), projection)

	var tag, states, emitted string
	var updated int64
	if err := row.Scan(&tag, &states, &emitted, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", projection, err)
	}

	cp := &Checkpoint{
		Projection: projection,
		UpdatedAt:  time.UnixMilli(updated),
	}
	if tag != "" {
		cp.Tag = json.RawMessage(tag)
	}
	if emitted != "" {
		cp.Emitted = json.RawMessage(emitted)
	}
	if states != "" && states != "null" {
		if err := json.Unmarshal([]byte(states), &cp.States); err != nil {
			return nil, fmt.Errorf("failed to decode states of %s: %w", projection, err)
		}
	}
	return cp, nil
}

func (s *sqlStore) Delete(ctx context.Context, projection string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.table), projection); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", projection, err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM %s ORDER BY name", s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
