package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seiforesti/data-wave-sub007/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state_entries (
		namespace  TEXT        NOT NULL,
		key        TEXT        NOT NULL,
		value      JSONB,
		version    INTEGER     NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,
	`CREATE TABLE IF NOT EXISTS state_conflicts (
		id              TEXT        PRIMARY KEY,
		namespace       TEXT        NOT NULL,
		key             TEXT        NOT NULL,
		base_version    INTEGER     NOT NULL,
		current_version INTEGER     NOT NULL,
		attempted_value JSONB,
		current_value   JSONB,
		attempted_by    TEXT        NOT NULL DEFAULT '',
		resolution      JSONB,
		detected_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_conflicts_namespace ON state_conflicts (namespace, detected_at)`,
}

// PgStore is a PostgreSQL-backed Store using pgx/v5. Values are stored as
// JSONB, so they round-trip through encoding/json.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL state store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the state tables if they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure state schema: %w", err)
		}
	}
	return nil
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, namespace, key string) (model.StateEntry, bool, error) {
	entry := model.StateEntry{Namespace: namespace, Key: key}
	var valueJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT value, version, updated_at
		FROM state_entries
		WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&valueJSON, &entry.Version, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return model.StateEntry{}, false, fmt.Errorf("query state entry: %w", err)
	}
	if entry.Value, err = decodeValue(valueJSON); err != nil {
		return model.StateEntry{}, false, err
	}
	return entry, true, nil
}

// CompareAndSwap implements Store. A create (expectedVersion 0) relies on the
// primary key; an update relies on the version predicate.
func (s *PgStore) CompareAndSwap(ctx context.Context, namespace, key string, value any, expectedVersion int, now time.Time) (model.StateEntry, bool, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return model.StateEntry{}, false, fmt.Errorf("marshal state value: %w", err)
	}

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO state_entries (namespace, key, value, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (namespace, key) DO NOTHING`,
			namespace, key, valueJSON, now,
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE state_entries SET
				value = $1,
				version = version + 1,
				updated_at = $2
			WHERE namespace = $3 AND key = $4 AND version = $5`,
			valueJSON, now, namespace, key, expectedVersion,
		)
	}
	if err != nil {
		return model.StateEntry{}, false, fmt.Errorf("write state entry: %w", err)
	}

	if tag.RowsAffected() == 0 {
		current, _, err := s.Get(ctx, namespace, key)
		return current, false, err
	}
	return model.StateEntry{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		Version:   expectedVersion + 1,
		UpdatedAt: now,
	}, true, nil
}

// SaveConflict implements Store.
func (s *PgStore) SaveConflict(ctx context.Context, c model.StateConflict) error {
	attempted, err := json.Marshal(c.AttemptedValue)
	if err != nil {
		return fmt.Errorf("marshal attempted value: %w", err)
	}
	current, err := json.Marshal(c.CurrentValue)
	if err != nil {
		return fmt.Errorf("marshal current value: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO state_conflicts (
			id, namespace, key, base_version, current_version,
			attempted_value, current_value, attempted_by, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Namespace, c.Key, c.BaseVersion, c.CurrentVersion,
		attempted, current, c.AttemptedBy, c.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert state conflict: %w", err)
	}
	return nil
}

const conflictColumns = `id, namespace, key, base_version, current_version,
	attempted_value, current_value, attempted_by, resolution, detected_at`

// GetConflict implements Store.
func (s *PgStore) GetConflict(ctx context.Context, id string) (model.StateConflict, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM state_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StateConflict{}, model.NewNotFoundError(fmt.Sprintf("state conflict %q not found", id))
	}
	if err != nil {
		return model.StateConflict{}, err
	}
	return c, nil
}

// ResolveConflict implements Store.
func (s *PgStore) ResolveConflict(ctx context.Context, id string, res model.ConflictResolution) error {
	resJSON, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE state_conflicts SET resolution = $1
		WHERE id = $2 AND resolution IS NULL`,
		resJSON, id,
	)
	if err != nil {
		return fmt.Errorf("update state conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already resolved; GetConflict tells which.
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return model.NewAlreadyFinalizedError(fmt.Sprintf("state conflict %q is already resolved", id))
	}
	return nil
}

// SetResolution implements Store.
func (s *PgStore) SetResolution(ctx context.Context, id string, res *model.ConflictResolution) error {
	var resJSON any
	if res != nil {
		raw, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
		resJSON = raw
	}

	tag, err := s.pool.Exec(ctx, `UPDATE state_conflicts SET resolution = $1 WHERE id = $2`, resJSON, id)
	if err != nil {
		return fmt.Errorf("update state conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("state conflict %q not found", id))
	}
	return nil
}

// ListConflicts implements Store.
func (s *PgStore) ListConflicts(ctx context.Context, filters model.ConflictFilters) ([]model.StateConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM state_conflicts WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Namespace != "" {
		query += fmt.Sprintf(" AND namespace = $%d", argIdx)
		args = append(args, filters.Namespace)
		argIdx++
	}
	if filters.UnresolvedOnly {
		query += " AND resolution IS NULL"
	}
	query += " ORDER BY detected_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query state conflicts: %w", err)
	}
	defer rows.Close()

	var result []model.StateConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// HealthCheck implements Store.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanConflict(row pgx.Row) (model.StateConflict, error) {
	var c model.StateConflict
	var attempted, current, resolution []byte

	err := row.Scan(
		&c.ID, &c.Namespace, &c.Key, &c.BaseVersion, &c.CurrentVersion,
		&attempted, &current, &c.AttemptedBy, &resolution, &c.DetectedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan state conflict: %w", err)
	}
	if c.AttemptedValue, err = decodeValue(attempted); err != nil {
		return c, err
	}
	if c.CurrentValue, err = decodeValue(current); err != nil {
		return c, err
	}
	if resolution != nil {
		var res model.ConflictResolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return c, fmt.Errorf("unmarshal resolution: %w", err)
		}
		c.Resolution = &res
	}
	return c, nil
}

func decodeValue(raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal state value: %w", err)
	}
	return v, nil
}
