package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
)

// Query, condition and process definitions. All are authored once and read
// many times; mutation serialization happens in the schema registry.

func (r Repo) UpsertQuery(ctx context.Context, tx *sql.Tx, q domain.Query) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO queries(tenant,id,source,created_by,field) VALUES (?,?,?,?,?)
ON CONFLICT(tenant,id) DO UPDATE SET source=excluded.source, created_by=excluded.created_by, field=excluded.field`,
		q.Tenant, q.ID, string(q.Source), nullable(q.CreatedBy), q.Field)
	return err
}

func (r Repo) GetQuery(ctx context.Context, tenant, id string) (domain.Query, error) {
	var q domain.Query
	var source string
	var createdBy sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT tenant,id,source,created_by,field FROM queries WHERE tenant=? AND id=?`, tenant, id).
		Scan(&q.Tenant, &q.ID, &source, &createdBy, &q.Field)
	if err == sql.ErrNoRows {
		return q, notFound("query", id)
	}
	if err != nil {
		return q, err
	}
	q.Source = domain.QuerySource(source)
	if createdBy.Valid {
		q.CreatedBy = createdBy.String
	}
	return q, nil
}

func (r Repo) ListQueries(ctx context.Context, tenant string) ([]domain.Query, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant,id,source,created_by,field FROM queries WHERE tenant=? ORDER BY id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Query
	for rows.Next() {
		var q domain.Query
		var source string
		var createdBy sql.NullString
		if err := rows.Scan(&q.Tenant, &q.ID, &source, &createdBy, &q.Field); err != nil {
			return nil, err
		}
		q.Source = domain.QuerySource(source)
		if createdBy.Valid {
			q.CreatedBy = createdBy.String
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCondition(ctx context.Context, tx *sql.Tx, c domain.NamedCondition) error {
	tree, err := json.Marshal(c.Tree)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO conditions(tenant,id,tree_json) VALUES (?,?,?)
ON CONFLICT(tenant,id) DO UPDATE SET tree_json=excluded.tree_json`,
		c.Tenant, c.ID, string(tree))
	return err
}

func (r Repo) GetCondition(ctx context.Context, tenant, id string) (domain.NamedCondition, error) {
	var c domain.NamedCondition
	var tree string
	err := r.DB.QueryRowContext(ctx, `SELECT tenant,id,tree_json FROM conditions WHERE tenant=? AND id=?`, tenant, id).
		Scan(&c.Tenant, &c.ID, &tree)
	if err == sql.ErrNoRows {
		return c, notFound("condition", id)
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(tree), &c.Tree); err != nil {
		return c, fmt.Errorf("decode condition %s: %w", id, err)
	}
	return c, nil
}

func (r Repo) ListConditions(ctx context.Context, tenant string) ([]domain.NamedCondition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant,id,tree_json FROM conditions WHERE tenant=? ORDER BY id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NamedCondition
	for rows.Next() {
		var c domain.NamedCondition
		var tree string
		if err := rows.Scan(&c.Tenant, &c.ID, &tree); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tree), &c.Tree); err != nil {
			return nil, fmt.Errorf("decode condition %s: %w", c.ID, err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- processes ---

func (r Repo) InsertProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO processes(tenant,id,name,version,steps_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.Tenant, p.ID, p.Name, p.Version, string(steps), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE processes SET name=?, version=?, steps_json=?, updated_at=? WHERE tenant=? AND id=?`,
		p.Name, p.Version, string(steps), p.UpdatedAt, p.Tenant, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("process", p.ID)
	}
	return nil
}

func scanProcess(scan func(...any) error) (domain.Process, error) {
	var p domain.Process
	var steps string
	if err := scan(&p.Tenant, &p.ID, &p.Name, &p.Version, &steps, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return p, fmt.Errorf("decode steps for process %s: %w", p.ID, err)
	}
	return p, nil
}

const processCols = `tenant,id,name,version,steps_json,created_at,updated_at`

func (r Repo) GetProcess(ctx context.Context, tenant, id string) (domain.Process, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+processCols+` FROM processes WHERE tenant=? AND id=?`, tenant, id)
	p, err := scanProcess(row.Scan)
	if err == sql.ErrNoRows {
		return p, notFound("process", id)
	}
	return p, err
}

func (r Repo) ListProcesses(ctx context.Context, tenant string) ([]domain.Process, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+processCols+` FROM processes WHERE tenant=? ORDER BY created_at, id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
