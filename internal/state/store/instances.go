package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opentalon/conductor/internal/workflow"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// InstanceStore persists workflow instances in SQL. The full instance is
// kept as JSON in data; the other columns exist for lookups.
type InstanceStore struct {
	db *DB
}

// NewInstanceStore returns an instance store that uses the given DB.
func NewInstanceStore(db *DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// Save upserts inst. Rows already in a terminal state are left untouched.
func (s *InstanceStore) Save(ctx context.Context, inst *workflow.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("instance save: marshal: %w", err)
	}
	_, err = s.db.SQLDB().ExecContext(ctx, s.db.Rebind(`
INSERT INTO workflow_instances
    (id, pattern, pattern_version, business_context, correlation_id, status, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = excluded.status,
    data = excluded.data,
    updated_at = excluded.updated_at
WHERE workflow_instances.status NOT IN ('completed', 'failed')`),
		inst.ID, inst.Pattern, inst.PatternVersion, inst.BusinessContext, inst.CorrelationID,
		string(inst.Status), string(data),
		inst.CreatedAt.UTC().Format(timeFormat), inst.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("instance save %s: %w", inst.ID, err)
	}
	return nil
}

func (s *InstanceStore) Load(ctx context.Context, id string) (*workflow.Instance, error) {
	var data string
	err := s.db.SQLDB().QueryRowContext(ctx, s.db.Rebind(`SELECT data FROM workflow_instances WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("instance load %s: %w", id, err)
	}
	return decode(data)
}

func (s *InstanceStore) LoadActiveForContext(ctx context.Context, businessContext string) ([]*workflow.Instance, error) {
	return s.query(ctx, `SELECT data FROM workflow_instances
WHERE business_context = ? AND status NOT IN ('completed', 'failed')
ORDER BY created_at`, businessContext)
}

func (s *InstanceStore) ListActive(ctx context.Context) ([]*workflow.Instance, error) {
	return s.query(ctx, `SELECT data FROM workflow_instances
WHERE status NOT IN ('completed', 'failed')
ORDER BY created_at`)
}

// PruneFinished deletes terminal instances last updated before cutoff.
func (s *InstanceStore) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.SQLDB().ExecContext(ctx, s.db.Rebind(`DELETE FROM workflow_instances
WHERE status IN ('completed', 'failed') AND updated_at < ?`), cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("instance prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *InstanceStore) query(ctx context.Context, query string, args ...any) ([]*workflow.Instance, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("instance query: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Instance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("instance query: scan: %w", err)
		}
		inst, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func decode(data string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("instance decode: %w", err)
	}
	return &inst, nil
}
