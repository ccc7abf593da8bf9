package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
)

// Event instances. Advance persistence goes through a revision CAS so a
// crashed or raced writer can never half-apply a step transition.

func (r Repo) InsertEventRef(ctx context.Context, tx *sql.Tx, ev domain.EventRef) error {
	entities, err := json.Marshal(ev.Entities)
	if err != nil {
		return err
	}
	documents, err := json.Marshal(ev.Documents)
	if err != nil {
		return err
	}
	steps, err := json.Marshal(ev.Steps)
	if err != nil {
		return err
	}
	states, err := json.Marshal(ev.States)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO event_refs(tenant,id,process_id,status,cursor,entities_json,documents_json,steps_json,states_json,revision,started_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Tenant, ev.ID, ev.ProcessID, string(ev.Status), ev.Cursor, string(entities), string(documents), string(steps), string(states), ev.Revision, ev.StartedAt, ev.UpdatedAt)
	return err
}

// UpdateEventRefCAS persists instance state only if the stored revision still
// equals expected.
func (r Repo) UpdateEventRefCAS(ctx context.Context, tx *sql.Tx, ev domain.EventRef, expected int64) (bool, error) {
	states, err := json.Marshal(ev.States)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE event_refs SET status=?, cursor=?, states_json=?, revision=?, updated_at=? WHERE tenant=? AND id=? AND revision=?`,
		string(ev.Status), ev.Cursor, string(states), ev.Revision, ev.UpdatedAt, ev.Tenant, ev.ID, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanEventRef(scan func(...any) error) (domain.EventRef, error) {
	var ev domain.EventRef
	var status, entities, documents, steps, states string
	if err := scan(&ev.Tenant, &ev.ID, &ev.ProcessID, &status, &ev.Cursor, &entities, &documents, &steps, &states, &ev.Revision, &ev.StartedAt, &ev.UpdatedAt); err != nil {
		return ev, err
	}
	ev.Status = domain.EventStatus(status)
	if err := json.Unmarshal([]byte(entities), &ev.Entities); err != nil {
		return ev, fmt.Errorf("decode entities for event %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(documents), &ev.Documents); err != nil {
		return ev, fmt.Errorf("decode documents for event %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(steps), &ev.Steps); err != nil {
		return ev, fmt.Errorf("decode steps for event %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(states), &ev.States); err != nil {
		return ev, fmt.Errorf("decode states for event %s: %w", ev.ID, err)
	}
	return ev, nil
}

const eventRefCols = `tenant,id,process_id,status,cursor,entities_json,documents_json,steps_json,states_json,revision,started_at,updated_at`

func (r Repo) GetEventRef(ctx context.Context, tenant, id string) (domain.EventRef, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventRefCols+` FROM event_refs WHERE tenant=? AND id=?`, tenant, id)
	ev, err := scanEventRef(row.Scan)
	if err == sql.ErrNoRows {
		return ev, notFound("event", id)
	}
	return ev, err
}

func (r Repo) ListEventRefs(ctx context.Context, tenant string, status domain.EventStatus, limit int) ([]domain.EventRef, error) {
	query := `SELECT ` + eventRefCols + ` FROM event_refs WHERE tenant=?`
	args := []any{tenant}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventRef
	for rows.Next() {
		ev, err := scanEventRef(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ListRunnable returns running instances across all tenants, oldest update
// first, for the worker pool to pull.
func (r Repo) ListRunnable(ctx context.Context, limit int) ([]domain.EventRef, error) {
	query := `SELECT ` + eventRefCols + ` FROM event_refs WHERE status=? ORDER BY updated_at, id`
	args := []any{string(domain.EventRunning)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventRef
	for rows.Next() {
		ev, err := scanEventRef(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
