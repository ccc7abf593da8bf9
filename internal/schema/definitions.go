package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/events"
)

// Query, condition and process definitions are authored through the registry
// so they share the same serialization and journaling as entity types.

func (r *Registry) CreateQuery(ctx context.Context, q domain.Query, actorID string) (domain.Query, error) {
	if q.Tenant == "" {
		return q, fmt.Errorf("tenant is required")
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	switch q.Source {
	case domain.SourceEntity, domain.SourceEvent, domain.SourceDocument:
	default:
		return q, &domain.ValidationError{Violations: []domain.Violation{{Field: "source", Reason: fmt.Sprintf("unknown query source %q", q.Source)}}}
	}
	if q.Field == "" {
		return q, &domain.ValidationError{Violations: []domain.Violation{{Field: "field", Reason: "field is required"}}}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpsertQuery(ctx, tx, q); err != nil {
		return q, err
	}
	if err := r.Events.Append(ctx, tx, "query.created", q.Tenant, "query", q.ID, actorID, events.EventPayload{"source": string(q.Source), "field": q.Field}); err != nil {
		return q, err
	}
	return q, tx.Commit()
}

func (r *Registry) CreateCondition(ctx context.Context, c domain.NamedCondition, actorID string) (domain.NamedCondition, error) {
	if c.Tenant == "" {
		return c, fmt.Errorf("tenant is required")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := r.validateTree(ctx, c.Tenant, c.Tree); err != nil {
		return c, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpsertCondition(ctx, tx, c); err != nil {
		return c, err
	}
	if err := r.Events.Append(ctx, tx, "condition.created", c.Tenant, "condition", c.ID, actorID, nil); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// validateTree walks a condition tree top-down checking the tagged variants
// are well-formed and every leaf references a known operator and query.
func (r *Registry) validateTree(ctx context.Context, tenant string, node *domain.Condition) error {
	if node == nil {
		return &domain.ValidationError{Violations: []domain.Violation{{Reason: "condition tree is empty"}}}
	}
	switch node.Kind {
	case domain.CondSingle:
		if node.Single == nil {
			return &domain.ValidationError{Violations: []domain.Violation{{Reason: "single condition has no leaf"}}}
		}
		if !knownOperator(node.Single.Operator) {
			return &domain.UnsupportedOperatorError{Operator: string(node.Single.Operator)}
		}
		if _, err := r.Repo.GetQuery(ctx, tenant, node.Single.QueryID); err != nil {
			return err
		}
		return nil
	case domain.CondAnd, domain.CondOr:
		if node.Left == nil || node.Right == nil {
			return &domain.ValidationError{Violations: []domain.Violation{{Reason: string(node.Kind) + " condition needs two children"}}}
		}
		if err := r.validateTree(ctx, tenant, node.Left); err != nil {
			return err
		}
		return r.validateTree(ctx, tenant, node.Right)
	case domain.CondNot:
		if node.Child == nil {
			return &domain.ValidationError{Violations: []domain.Violation{{Reason: "not condition needs a child"}}}
		}
		return r.validateTree(ctx, tenant, node.Child)
	}
	return &domain.ValidationError{Violations: []domain.Violation{{Reason: fmt.Sprintf("unknown condition kind %q", node.Kind)}}}
}

func knownOperator(op domain.Operator) bool {
	switch op {
	case domain.OpEQ, domain.OpNE, domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE, domain.OpIN, domain.OpCONTAINS, domain.OpMATCHES:
		return true
	}
	return false
}

// ProcessCreateOptions are parameters for authoring a process definition.
type ProcessCreateOptions struct {
	Tenant  string
	ID      string
	Name    string
	Steps   []domain.StepDef
	ActorID string
}

func (r *Registry) CreateProcess(ctx context.Context, opts ProcessCreateOptions) (domain.Process, error) {
	if opts.Tenant == "" {
		return domain.Process{}, fmt.Errorf("tenant is required")
	}
	if opts.Name == "" {
		return domain.Process{}, fmt.Errorf("name is required")
	}
	steps, err := r.normalizeSteps(ctx, opts.Tenant, opts.Steps)
	if err != nil {
		return domain.Process{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := r.now().UTC().Format(time.RFC3339)
	p := domain.Process{
		Tenant:    opts.Tenant,
		ID:        id,
		Name:      opts.Name,
		Version:   1,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertProcess(ctx, tx, p); err != nil {
		return domain.Process{}, err
	}
	if err := r.Events.Append(ctx, tx, "process.created", p.Tenant, "process", p.ID, opts.ActorID, events.EventPayload{"name": p.Name, "steps": len(p.Steps)}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// normalizeSteps enforces the two-variant invariant: each step carries
// exactly the payload its kind names, never both, never neither.
func (r *Registry) normalizeSteps(ctx context.Context, tenant string, steps []domain.StepDef) ([]domain.StepDef, error) {
	var viol []domain.Violation
	out := make([]domain.StepDef, 0, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		switch s.Kind {
		case domain.StepCondition:
			if s.Condition == nil || s.Action != nil {
				viol = append(viol, domain.Violation{Field: s.ID, Reason: fmt.Sprintf("step %d must hold exactly a condition", i)})
				break
			}
			if _, err := r.Repo.GetCondition(ctx, tenant, s.Condition.ConditionID); err != nil {
				return nil, err
			}
		case domain.StepAction:
			if s.Action == nil || s.Condition != nil {
				viol = append(viol, domain.Violation{Field: s.ID, Reason: fmt.Sprintf("step %d must hold exactly an action", i)})
				break
			}
			switch s.Action.Type {
			case domain.ActionEmail:
				if s.Action.Email == nil || s.Action.Email.To == "" {
					viol = append(viol, domain.Violation{Field: s.ID, Reason: "email action needs a recipient"})
				}
			case domain.ActionFieldUpdate:
				if s.Action.FieldUpdate == nil || s.Action.FieldUpdate.Type == "" || s.Action.FieldUpdate.Field == "" {
					viol = append(viol, domain.Violation{Field: s.ID, Reason: "field_update action needs type and field"})
				}
			case domain.ActionNone:
			default:
				viol = append(viol, domain.Violation{Field: s.ID, Reason: fmt.Sprintf("unknown action type %q", s.Action.Type)})
			}
		default:
			viol = append(viol, domain.Violation{Field: s.ID, Reason: fmt.Sprintf("unknown step kind %q", s.Kind)})
		}
		s.Deleted = false
		out = append(out, s)
	}
	if len(viol) > 0 {
		return nil, &domain.ValidationError{Violations: viol}
	}
	return out, nil
}

func (r *Registry) GetProcess(ctx context.Context, tenant, id string) (domain.Process, error) {
	return r.Repo.GetProcess(ctx, tenant, id)
}

func (r *Registry) GetQuery(ctx context.Context, tenant, id string) (domain.Query, error) {
	return r.Repo.GetQuery(ctx, tenant, id)
}

func (r *Registry) GetCondition(ctx context.Context, tenant, id string) (domain.NamedCondition, error) {
	return r.Repo.GetCondition(ctx, tenant, id)
}

// RemoveStep soft-deletes a process step; running instances keep their own
// step copies, so only new instances notice.
func (r *Registry) RemoveStep(ctx context.Context, tenant, processID, stepID, actorID string) (domain.Process, error) {
	return r.mutateProcess(ctx, tenant, processID, actorID, "process.step.removed", stepID, func(p *domain.Process) error {
		s, idx, err := findStep(p, stepID)
		if err != nil {
			return err
		}
		if s.Deleted {
			return errNoop
		}
		s.Deleted = true
		p.Steps[idx] = s
		return nil
	})
}

// RestoreStep un-marks a soft-deleted step for future instances.
func (r *Registry) RestoreStep(ctx context.Context, tenant, processID, stepID, actorID string) (domain.Process, error) {
	return r.mutateProcess(ctx, tenant, processID, actorID, "process.step.restored", stepID, func(p *domain.Process) error {
		s, idx, err := findStep(p, stepID)
		if err != nil {
			return err
		}
		if !s.Deleted {
			return errNoop
		}
		s.Deleted = false
		p.Steps[idx] = s
		return nil
	})
}

func findStep(p *domain.Process, stepID string) (domain.StepDef, int, error) {
	for i, s := range p.Steps {
		if s.ID == stepID {
			return s, i, nil
		}
	}
	return domain.StepDef{}, -1, &domain.NotFoundError{Kind: "step", ID: stepID}
}

func (r *Registry) mutateProcess(ctx context.Context, tenant, processID, actorID, evtType, stepID string, apply func(*domain.Process) error) (domain.Process, error) {
	unlock := r.lockKey(tenant, processID)
	defer unlock()

	p, err := r.Repo.GetProcess(ctx, tenant, processID)
	if err != nil {
		return domain.Process{}, err
	}
	if err := apply(&p); err != nil {
		if err == errNoop {
			return p, nil
		}
		return domain.Process{}, err
	}
	p.Version++
	p.UpdatedAt = r.now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateProcess(ctx, tx, p); err != nil {
		return domain.Process{}, err
	}
	if err := r.Events.Append(ctx, tx, evtType, tenant, "process", processID, actorID, events.EventPayload{"step": stepID, "version": p.Version}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}
