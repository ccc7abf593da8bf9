package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

// Repo is thin SQL persistence over the workspace database. Concurrency
// policy (lock arenas, revision CAS) lives in the callers; the repo only
// reports affected-row outcomes.
type Repo struct {
	DB *sql.DB
}

func notFound(kind, id string) error {
	return &domain.NotFoundError{Kind: kind, ID: id}
}

// --- entity types ---

func (r Repo) InsertEntityType(ctx context.Context, tx *sql.Tx, t domain.EntityType) error {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entity_types(tenant,id,name,version,fields_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.Tenant, t.ID, t.Name, t.Version, string(fields), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateEntityType(ctx context.Context, tx *sql.Tx, t domain.EntityType) error {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE entity_types SET name=?, version=?, fields_json=?, updated_at=? WHERE tenant=? AND id=?`,
		t.Name, t.Version, string(fields), t.UpdatedAt, t.Tenant, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("entity type", t.ID)
	}
	return nil
}

func scanEntityType(scan func(...any) error) (domain.EntityType, error) {
	var t domain.EntityType
	var fields string
	if err := scan(&t.Tenant, &t.ID, &t.Name, &t.Version, &fields, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
		return t, fmt.Errorf("decode fields for type %s: %w", t.ID, err)
	}
	return t, nil
}

const entityTypeCols = `tenant,id,name,version,fields_json,created_at,updated_at`

func (r Repo) GetEntityType(ctx context.Context, tenant, id string) (domain.EntityType, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityTypeCols+` FROM entity_types WHERE tenant=? AND id=?`, tenant, id)
	t, err := scanEntityType(row.Scan)
	if err == sql.ErrNoRows {
		return t, notFound("entity type", id)
	}
	return t, err
}

func (r Repo) ListEntityTypes(ctx context.Context, tenant string) ([]domain.EntityType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+entityTypeCols+` FROM entity_types WHERE tenant=? ORDER BY created_at, id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EntityType
	for rows.Next() {
		t, err := scanEntityType(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- entities ---

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entities(tenant,type_id,id,fields_json,revision,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.Tenant, e.Type, e.ID, string(fields), e.Revision, nullable(e.CreatedBy), e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntityCAS writes the record only if the stored revision still equals
// expected. Zero affected rows means the record moved (or is gone).
func (r Repo) UpdateEntityCAS(ctx context.Context, tx *sql.Tx, e domain.Entity, expected int64) (bool, error) {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE entities SET fields_json=?, revision=?, updated_at=? WHERE tenant=? AND type_id=? AND id=? AND revision=?`,
		string(fields), e.Revision, e.UpdatedAt, e.Tenant, e.Type, e.ID, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanEntity(scan func(...any) error) (domain.Entity, error) {
	var e domain.Entity
	var fields string
	var createdBy sql.NullString
	if err := scan(&e.Tenant, &e.Type, &e.ID, &fields, &e.Revision, &createdBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	if createdBy.Valid {
		e.CreatedBy = createdBy.String
	}
	e.Fields = map[string]scalar.Value{}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return e, fmt.Errorf("decode fields for entity %s/%s: %w", e.Type, e.ID, err)
	}
	return e, nil
}

const entityCols = `tenant,type_id,id,fields_json,revision,created_by,created_at,updated_at`

func (r Repo) GetEntity(ctx context.Context, tenant, typeID, id string) (domain.Entity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE tenant=? AND type_id=? AND id=?`, tenant, typeID, id)
	e, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return e, notFound("entity", typeID+"/"+id)
	}
	return e, err
}

func (r Repo) ListEntities(ctx context.Context, tenant, typeID string, limit int) ([]domain.Entity, error) {
	query := `SELECT ` + entityCols + ` FROM entities WHERE tenant=? AND type_id=? ORDER BY created_at, id`
	args := []any{tenant, typeID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
