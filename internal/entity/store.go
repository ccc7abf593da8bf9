package entity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/events"
	"github.com/KamaTechOrg/BSDFlow/internal/metrics"
	"github.com/KamaTechOrg/BSDFlow/internal/repo"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
)

// Store owns schema-validated entity records. Reads never block writers:
// updates use a compare-and-swap on the record's revision instead of locks,
// and lose with ConflictError when the record moved underneath the caller.
type Store struct {
	DB      *sql.DB
	Repo    repo.Repo
	Schemas *schema.Registry
	Events  events.Writer
	Now     func() time.Time
}

func NewStore(db *sql.DB, schemas *schema.Registry) *Store {
	return &Store{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Schemas: schemas,
		Events:  events.Writer{DB: db},
		Now:     time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateOptions are parameters for creating an entity.
type CreateOptions struct {
	Tenant  string
	Type    string
	ID      string
	Fields  map[string]scalar.Value
	ActorID string
}

func (s *Store) Create(ctx context.Context, opts CreateOptions) (domain.Entity, error) {
	if opts.Tenant == "" {
		return domain.Entity{}, fmt.Errorf("tenant is required")
	}
	t, err := s.Schemas.GetType(ctx, opts.Tenant, opts.Type)
	if err != nil {
		return domain.Entity{}, err
	}
	fields := opts.Fields
	if fields == nil {
		fields = map[string]scalar.Value{}
	}
	touched := make(map[string]bool, len(fields))
	for id := range fields {
		touched[id] = true
	}
	if err := validate(t, fields, touched); err != nil {
		return domain.Entity{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC().Format(time.RFC3339)
	e := domain.Entity{
		Tenant:    opts.Tenant,
		Type:      opts.Type,
		ID:        id,
		Fields:    fields,
		Revision:  1,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertEntity(ctx, tx, e); err != nil {
		return domain.Entity{}, err
	}
	if err := s.Events.Append(ctx, tx, "entity.created", e.Tenant, "entity", e.Type+"/"+e.ID, opts.ActorID, events.EventPayload{"schema_version": t.Version}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return e, nil
}

// UpdateOptions carry a partial field set plus the revision the caller last
// read. Unmentioned fields retain prior values; a null value clears a field.
type UpdateOptions struct {
	Tenant   string
	Type     string
	ID       string
	Fields   map[string]scalar.Value
	Revision int64
	ActorID  string
}

func (s *Store) Update(ctx context.Context, opts UpdateOptions) (domain.Entity, error) {
	t, err := s.Schemas.GetType(ctx, opts.Tenant, opts.Type)
	if err != nil {
		return domain.Entity{}, err
	}
	e, err := s.Repo.GetEntity(ctx, opts.Tenant, opts.Type, opts.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	merged := make(map[string]scalar.Value, len(e.Fields)+len(opts.Fields))
	for id, v := range e.Fields {
		merged[id] = v
	}
	touched := make(map[string]bool, len(opts.Fields))
	for id, v := range opts.Fields {
		touched[id] = true
		if v.IsNull() {
			delete(merged, id)
			continue
		}
		merged[id] = v
	}
	if err := validate(t, merged, touched); err != nil {
		return domain.Entity{}, err
	}
	e.Fields = merged
	e.Revision = opts.Revision + 1
	e.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	swapped, err := s.Repo.UpdateEntityCAS(ctx, tx, e, opts.Revision)
	if err != nil {
		return domain.Entity{}, err
	}
	if !swapped {
		metrics.EntityConflicts.Inc()
		return domain.Entity{}, &domain.ConflictError{Kind: "entity", ID: opts.Type + "/" + opts.ID, Revision: opts.Revision}
	}
	if err := s.Events.Append(ctx, tx, "entity.updated", e.Tenant, "entity", e.Type+"/"+e.ID, opts.ActorID, events.EventPayload{"revision": e.Revision}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return e, nil
}

// Get returns the record with soft-deleted fields projected out unless the
// caller asks for the audit view.
func (s *Store) Get(ctx context.Context, tenant, typeID, id string, includeDeleted bool) (domain.Entity, error) {
	t, err := s.Schemas.GetType(ctx, tenant, typeID)
	if err != nil {
		return domain.Entity{}, err
	}
	e, err := s.Repo.GetEntity(ctx, tenant, typeID, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if !includeDeleted {
		e.Fields = project(t, e.Fields)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, tenant, typeID string, limit int, includeDeleted bool) ([]domain.Entity, error) {
	t, err := s.Schemas.GetType(ctx, tenant, typeID)
	if err != nil {
		return nil, err
	}
	items, err := s.Repo.ListEntities(ctx, tenant, typeID, limit)
	if err != nil {
		return nil, err
	}
	if !includeDeleted {
		for i := range items {
			items[i].Fields = project(t, items[i].Fields)
		}
	}
	return items, nil
}

// project drops values of soft-deleted fields. Stored values survive; only
// the view narrows.
func project(t domain.EntityType, fields map[string]scalar.Value) map[string]scalar.Value {
	out := make(map[string]scalar.Value, len(fields))
	for id, v := range fields {
		if f, ok := t.Field(id); ok && f.Deleted {
			continue
		}
		out[id] = v
	}
	return out
}

// validate checks touched fields against the live schema and the full
// required set against the merged record, aggregating every violation.
func validate(t domain.EntityType, merged map[string]scalar.Value, touched map[string]bool) error {
	var viol []domain.Violation
	for id := range merged {
		f, ok := t.Field(id)
		if !ok {
			viol = append(viol, domain.Violation{Field: id, Reason: "unknown field"})
			continue
		}
		if !touched[id] {
			// Retained values are grandfathered; only writes revalidate.
			continue
		}
		if f.Deleted {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: "field is deleted"})
			continue
		}
		v := merged[id]
		if !f.Type.Accepts(v.Kind()) {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: fmt.Sprintf("expected %s, got %s", f.Type, v.Kind())})
			continue
		}
		if err := schema.ApplyValidator(f.Validator, v); err != nil {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: err.Error()})
		}
	}
	for _, f := range t.Fields {
		if f.Deleted || !f.Required {
			continue
		}
		if _, ok := merged[f.ID]; !ok {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: "required field missing"})
		}
	}
	if len(viol) > 0 {
		return &domain.ValidationError{Violations: viol}
	}
	return nil
}
