package repo

import (
	"context"
	"database/sql"
)

// JournalEntry is one audit row as stored.
type JournalEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Tenant     string `json:"tenant,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// JournalAfter returns up to limit entries with id > after for one tenant,
// oldest first. Cursor-style paging for audit consumers.
func (r Repo) JournalAfter(ctx context.Context, tenant string, after int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(tenant,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
		   FROM journal WHERE tenant=? AND id>? ORDER BY id ASC LIMIT ?`, tenant, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Tenant, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestJournalID returns the newest journal id for a tenant, 0 when empty.
func (r Repo) LatestJournalID(ctx context.Context, tenant string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM journal WHERE tenant=?`, tenant).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}
