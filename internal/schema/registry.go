package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/events"
	"github.com/KamaTechOrg/BSDFlow/internal/repo"
)

// Registry owns entity-type and process definitions. Mutations on the same
// (tenant, type) pass through an exclusive critical section from the lock
// arena, and every successful mutation bumps the version counter the entity
// store uses to spot stale schema snapshots.
type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu    sync.Mutex
	arena map[string]*sync.Mutex
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
		arena:  map[string]*sync.Mutex{},
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// lockKey serializes mutations per (tenant, definition id).
func (r *Registry) lockKey(tenant, id string) func() {
	r.mu.Lock()
	m, ok := r.arena[tenant+"\x00"+id]
	if !ok {
		m = &sync.Mutex{}
		r.arena[tenant+"\x00"+id] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// TypeCreateOptions are parameters for creating an entity type.
type TypeCreateOptions struct {
	Tenant  string
	ID      string
	Name    string
	Fields  []domain.FieldDef
	ActorID string
}

func (r *Registry) CreateType(ctx context.Context, opts TypeCreateOptions) (domain.EntityType, error) {
	if opts.Tenant == "" {
		return domain.EntityType{}, fmt.Errorf("tenant is required")
	}
	if opts.Name == "" {
		return domain.EntityType{}, fmt.Errorf("name is required")
	}
	fields, err := normalizeFields(opts.Fields)
	if err != nil {
		return domain.EntityType{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := r.now().UTC().Format(time.RFC3339)
	t := domain.EntityType{
		Tenant:    opts.Tenant,
		ID:        id,
		Name:      opts.Name,
		Version:   1,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EntityType{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertEntityType(ctx, tx, t); err != nil {
		return domain.EntityType{}, err
	}
	if err := r.Events.Append(ctx, tx, "type.created", t.Tenant, "entity_type", t.ID, opts.ActorID, events.EventPayload{"name": t.Name, "fields": len(t.Fields)}); err != nil {
		return domain.EntityType{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EntityType{}, err
	}
	return t, nil
}

func normalizeFields(fields []domain.FieldDef) ([]domain.FieldDef, error) {
	var viol []domain.Violation
	seenID := map[string]bool{}
	seenName := map[string]bool{}
	out := make([]domain.FieldDef, 0, len(fields))
	for i, f := range fields {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.Name == "" {
			viol = append(viol, domain.Violation{Field: f.ID, Reason: fmt.Sprintf("field %d has no name", i)})
		}
		if !knownFieldType(f.Type) {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: fmt.Sprintf("unknown field type %q", f.Type)})
		}
		if f.Validator != nil && !KnownValidator(f.Validator.Name) {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: fmt.Sprintf("unknown validator %q", f.Validator.Name)})
		}
		if seenID[f.ID] {
			viol = append(viol, domain.Violation{Field: f.ID, Reason: "duplicate field id"})
		}
		if f.Name != "" && seenName[f.Name] {
			viol = append(viol, domain.Violation{Field: f.Name, Reason: "duplicate field name"})
		}
		seenID[f.ID] = true
		seenName[f.Name] = true
		f.Deleted = false
		out = append(out, f)
	}
	if len(viol) > 0 {
		return nil, &domain.ValidationError{Violations: viol}
	}
	return out, nil
}

func knownFieldType(t domain.FieldType) bool {
	for _, k := range domain.KnownFieldTypes {
		if t == k {
			return true
		}
	}
	return false
}

func (r *Registry) GetType(ctx context.Context, tenant, id string) (domain.EntityType, error) {
	return r.Repo.GetEntityType(ctx, tenant, id)
}

func (r *Registry) ListTypes(ctx context.Context, tenant string) ([]domain.EntityType, error) {
	return r.Repo.ListEntityTypes(ctx, tenant)
}

// FieldPatch carries the allowed field modifications. Nil members are left
// untouched.
type FieldPatch struct {
	Rename    *string
	Retype    *domain.FieldType
	Required  *bool
	Validator **domain.ValidatorSpec
}

// ModifyField renames, retypes or re-flags one field. The required flip is
// idempotent; any modification of a soft-deleted field is rejected.
func (r *Registry) ModifyField(ctx context.Context, tenant, typeID, fieldID string, patch FieldPatch, actorID string) (domain.EntityType, error) {
	return r.mutateType(ctx, tenant, typeID, actorID, "type.field.modified", fieldID, func(t *domain.EntityType) error {
		f, idx, err := findField(t, fieldID)
		if err != nil {
			return err
		}
		if f.Deleted {
			return &domain.ValidationError{Violations: []domain.Violation{{Field: fieldID, Reason: "field is deleted; restore it first"}}}
		}
		if patch.Rename != nil {
			if *patch.Rename == "" {
				return &domain.ValidationError{Violations: []domain.Violation{{Field: fieldID, Reason: "name must not be empty"}}}
			}
			for _, other := range t.Fields {
				if other.ID != fieldID && other.Name == *patch.Rename {
					return &domain.ValidationError{Violations: []domain.Violation{{Field: *patch.Rename, Reason: "duplicate field name"}}}
				}
			}
			f.Name = *patch.Rename
		}
		if patch.Retype != nil {
			if !knownFieldType(*patch.Retype) {
				return &domain.ValidationError{Violations: []domain.Violation{{Field: fieldID, Reason: fmt.Sprintf("unknown field type %q", *patch.Retype)}}}
			}
			f.Type = *patch.Retype
		}
		if patch.Required != nil {
			f.Required = *patch.Required
		}
		if patch.Validator != nil {
			if *patch.Validator != nil && !KnownValidator((*patch.Validator).Name) {
				return &domain.ValidationError{Violations: []domain.Violation{{Field: fieldID, Reason: fmt.Sprintf("unknown validator %q", (*patch.Validator).Name)}}}
			}
			f.Validator = *patch.Validator
		}
		t.Fields[idx] = f
		return nil
	})
}

// RemoveField soft-deletes a field. The id and historical values survive;
// the field just stops participating in validation and listings. Removing an
// already-deleted field is a no-op.
func (r *Registry) RemoveField(ctx context.Context, tenant, typeID, fieldID, actorID string) (domain.EntityType, error) {
	return r.mutateType(ctx, tenant, typeID, actorID, "type.field.removed", fieldID, func(t *domain.EntityType) error {
		f, idx, err := findField(t, fieldID)
		if err != nil {
			return err
		}
		if f.Deleted {
			return errNoop
		}
		f.Deleted = true
		t.Fields[idx] = f
		return nil
	})
}

// RestoreField un-marks a soft-deleted field. Required checks apply again
// from this point forward only; existing records are not re-validated.
func (r *Registry) RestoreField(ctx context.Context, tenant, typeID, fieldID, actorID string) (domain.EntityType, error) {
	return r.mutateType(ctx, tenant, typeID, actorID, "type.field.restored", fieldID, func(t *domain.EntityType) error {
		f, idx, err := findField(t, fieldID)
		if err != nil {
			return err
		}
		if !f.Deleted {
			return errNoop
		}
		f.Deleted = false
		t.Fields[idx] = f
		return nil
	})
}

// errNoop signals a mutation that changes nothing: no version bump, no event.
var errNoop = fmt.Errorf("no-op")

func findField(t *domain.EntityType, fieldID string) (domain.FieldDef, int, error) {
	for i, f := range t.Fields {
		if f.ID == fieldID {
			return f, i, nil
		}
	}
	return domain.FieldDef{}, -1, &domain.NotFoundError{Kind: "field", ID: fieldID}
}

func (r *Registry) mutateType(ctx context.Context, tenant, typeID, actorID, evtType, fieldID string, apply func(*domain.EntityType) error) (domain.EntityType, error) {
	unlock := r.lockKey(tenant, typeID)
	defer unlock()

	t, err := r.Repo.GetEntityType(ctx, tenant, typeID)
	if err != nil {
		return domain.EntityType{}, err
	}
	if err := apply(&t); err != nil {
		if err == errNoop {
			return t, nil
		}
		return domain.EntityType{}, err
	}
	t.Version++
	t.UpdatedAt = r.now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EntityType{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateEntityType(ctx, tx, t); err != nil {
		return domain.EntityType{}, err
	}
	if err := r.Events.Append(ctx, tx, evtType, tenant, "entity_type", typeID, actorID, events.EventPayload{"field": fieldID, "version": t.Version}); err != nil {
		return domain.EntityType{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EntityType{}, err
	}
	return t, nil
}
