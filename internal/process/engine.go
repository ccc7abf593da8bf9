package process

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KamaTechOrg/BSDFlow/internal/condition"
	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/entity"
	"github.com/KamaTechOrg/BSDFlow/internal/events"
	"github.com/KamaTechOrg/BSDFlow/internal/metrics"
	"github.com/KamaTechOrg/BSDFlow/internal/repo"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
)

const defaultMaxAttempts = 5

// Engine advances event instances through their step sequence. Steps run
// strictly in order: step N+1 is never attempted before step N is terminal,
// and at most one advance is in flight per instance (per-instance lock from
// the arena). The engine owns no timer; callers trigger "attempt now".
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Schemas     *schema.Registry
	Entities    *entity.Store
	Eval        *condition.Evaluator
	Events      events.Writer
	Mailer      Mailer
	Now         func() time.Time
	MaxAttempts int

	mu    sync.Mutex
	arena map[string]*sync.Mutex
}

func New(db *sql.DB, schemas *schema.Registry, store *entity.Store) *Engine {
	r := repo.Repo{DB: db}
	return &Engine{
		DB:      db,
		Repo:    r,
		Schemas: schemas,
		Entities: store,
		Eval: &condition.Evaluator{
			Queries:  r,
			Entities: store,
			Types:    schemas,
		},
		Events:      events.Writer{DB: db},
		Mailer:      LogMailer{},
		Now:         time.Now,
		MaxAttempts: defaultMaxAttempts,
		arena:       map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return defaultMaxAttempts
}

// lockInstance serializes advance/abort per event instance.
func (e *Engine) lockInstance(tenant, id string) func() {
	e.mu.Lock()
	m, ok := e.arena[tenant+"\x00"+id]
	if !ok {
		m = &sync.Mutex{}
		e.arena[tenant+"\x00"+id] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// StartOptions are parameters for starting a process instance.
type StartOptions struct {
	Tenant    string
	ID        string
	ProcessID string
	Entities  []domain.EntityID
	Documents []domain.DocumentRef
	ActorID   string
}

// Start instantiates an event against a process definition. The instance
// copies the live (non-deleted) steps, so later authoring changes only
// affect instances started after them.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (domain.EventRef, error) {
	p, err := e.Repo.GetProcess(ctx, opts.Tenant, opts.ProcessID)
	if err != nil {
		return domain.EventRef{}, err
	}
	for _, ref := range opts.Entities {
		if _, err := e.Repo.GetEntity(ctx, opts.Tenant, ref.Type, ref.ID); err != nil {
			return domain.EventRef{}, err
		}
	}
	var steps []domain.StepDef
	for _, s := range p.Steps {
		if s.Deleted {
			continue
		}
		steps = append(steps, s)
	}
	states := make([]domain.StepState, len(steps))
	for i, s := range steps {
		states[i] = domain.StepState{StepID: s.ID}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	status := domain.EventRunning
	if len(steps) == 0 {
		status = domain.EventCompleted
	}
	ev := domain.EventRef{
		Tenant:    opts.Tenant,
		ID:        id,
		ProcessID: p.ID,
		Status:    status,
		Entities:  opts.Entities,
		Documents: opts.Documents,
		Steps:     steps,
		States:    states,
		Revision:  1,
		StartedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EventRef{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEventRef(ctx, tx, ev); err != nil {
		return domain.EventRef{}, err
	}
	if err := e.Events.Append(ctx, tx, "event.started", ev.Tenant, "event", ev.ID, opts.ActorID, events.EventPayload{"process": p.ID, "steps": len(steps)}); err != nil {
		return domain.EventRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EventRef{}, err
	}
	return ev, nil
}

// Advance is the single-step "attempt now" operation. Re-invoking it on a
// terminal instance or past a terminal step is a no-op: no side effects, no
// extra attempt bookkeeping.
func (e *Engine) Advance(ctx context.Context, tenant, id, actorID string) (domain.EventRef, error) {
	unlock := e.lockInstance(tenant, id)
	defer unlock()

	ev, err := e.Repo.GetEventRef(ctx, tenant, id)
	if err != nil {
		return domain.EventRef{}, err
	}
	if ev.Status != domain.EventRunning {
		return ev, nil
	}
	if ev.Cursor >= len(ev.Steps) {
		ev.Status = domain.EventCompleted
		return e.persist(ctx, ev, actorID, "event.completed", events.EventPayload{})
	}

	step := ev.Steps[ev.Cursor]
	state := &ev.States[ev.Cursor]
	now := e.now().UTC().Format(time.RFC3339)
	state.AttemptTimes = append(state.AttemptTimes, now)

	var evtType string
	payload := events.EventPayload{"step": step.ID, "attempt": len(state.AttemptTimes)}

	switch step.Kind {
	case domain.StepCondition:
		evtType = e.attemptCondition(ctx, &ev, step, state, payload)
	case domain.StepAction:
		evtType = e.attemptAction(ctx, &ev, step, state, payload)
	default:
		state.Failed = true
		state.LastError = fmt.Sprintf("unknown step kind %q", step.Kind)
		ev.Status = domain.EventFailed
		evtType = "step.failed"
	}

	if ev.Cursor >= len(ev.Steps) && ev.Status == domain.EventRunning {
		ev.Status = domain.EventCompleted
	}
	switch ev.Status {
	case domain.EventCompleted, domain.EventFailed:
		metrics.EventsCompleted.WithLabelValues(string(ev.Status)).Inc()
	}
	return e.persist(ctx, ev, actorID, evtType, payload)
}

// attemptCondition evaluates the step's tree. False and resolution errors
// both leave the step pending for a later re-check; only a malformed
// definition (unsupported operator) is fatal to the instance.
func (e *Engine) attemptCondition(ctx context.Context, ev *domain.EventRef, step domain.StepDef, state *domain.StepState, payload events.EventPayload) string {
	nc, err := e.Repo.GetCondition(ctx, ev.Tenant, step.Condition.ConditionID)
	if err != nil {
		state.LastError = err.Error()
		metrics.StepAttempts.WithLabelValues("condition", "error").Inc()
		payload["error"] = state.LastError
		return "step.checked"
	}
	scope := condition.Scope{
		Tenant:    ev.Tenant,
		Entities:  ev.Entities,
		Event:     ev,
		Documents: ev.Documents,
	}
	ok, err := e.Eval.Eval(ctx, scope, nc.Tree)
	if err != nil {
		state.LastError = err.Error()
		payload["error"] = state.LastError
		var unsupported *domain.UnsupportedOperatorError
		if errors.As(err, &unsupported) {
			state.Failed = true
			ev.Status = domain.EventFailed
			metrics.StepAttempts.WithLabelValues("condition", "fatal").Inc()
			return "step.failed"
		}
		metrics.StepAttempts.WithLabelValues("condition", "error").Inc()
		return "step.checked"
	}
	if !ok {
		state.LastError = ""
		metrics.StepAttempts.WithLabelValues("condition", "false").Inc()
		payload["result"] = false
		return "step.checked"
	}
	state.OK = true
	state.LastError = ""
	ev.Cursor++
	metrics.StepAttempts.WithLabelValues("condition", "satisfied").Inc()
	payload["result"] = true
	return "step.satisfied"
}

// attemptAction executes the side effect once. Failures retry on later
// attempts up to the configured maximum, then the step and the instance go
// terminally failed and wait for manual intervention.
func (e *Engine) attemptAction(ctx context.Context, ev *domain.EventRef, step domain.StepDef, state *domain.StepState, payload events.EventPayload) string {
	err := e.execute(ctx, ev, step)
	if err == nil {
		state.Done = true
		state.LastError = ""
		ev.Cursor++
		metrics.StepAttempts.WithLabelValues("action", "done").Inc()
		return "step.executed"
	}
	state.LastError = err.Error()
	payload["error"] = state.LastError
	if len(state.AttemptTimes) >= e.maxAttempts() {
		state.Failed = true
		ev.Status = domain.EventFailed
		metrics.StepAttempts.WithLabelValues("action", "fatal").Inc()
		return "step.failed"
	}
	metrics.StepAttempts.WithLabelValues("action", "error").Inc()
	return "step.checked"
}

// persist writes the instance through the revision CAS and journals the
// attempt, so a raced or crashed writer can never half-apply a transition.
func (e *Engine) persist(ctx context.Context, ev domain.EventRef, actorID, evtType string, payload events.EventPayload) (domain.EventRef, error) {
	expected := ev.Revision
	ev.Revision++
	ev.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EventRef{}, err
	}
	defer tx.Rollback()
	swapped, err := e.Repo.UpdateEventRefCAS(ctx, tx, ev, expected)
	if err != nil {
		return domain.EventRef{}, err
	}
	if !swapped {
		return domain.EventRef{}, &domain.ConflictError{Kind: "event", ID: ev.ID, Revision: expected}
	}
	if err := e.Events.Append(ctx, tx, evtType, ev.Tenant, "event", ev.ID, actorID, payload); err != nil {
		return domain.EventRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EventRef{}, err
	}
	return ev, nil
}

// Abort marks an instance aborted. It takes the same per-instance lock as
// Advance, so an in-flight advance completes before the abort lands; on a
// terminal instance it is a no-op.
func (e *Engine) Abort(ctx context.Context, tenant, id, actorID string) (domain.EventRef, error) {
	unlock := e.lockInstance(tenant, id)
	defer unlock()

	ev, err := e.Repo.GetEventRef(ctx, tenant, id)
	if err != nil {
		return domain.EventRef{}, err
	}
	if ev.Status != domain.EventRunning {
		return ev, nil
	}
	ev.Status = domain.EventAborted
	metrics.EventsCompleted.WithLabelValues(string(domain.EventAborted)).Inc()
	return e.persist(ctx, ev, actorID, "event.aborted", events.EventPayload{})
}

// Get returns one instance.
func (e *Engine) Get(ctx context.Context, tenant, id string) (domain.EventRef, error) {
	return e.Repo.GetEventRef(ctx, tenant, id)
}

// List returns instances for a tenant, optionally filtered by status.
func (e *Engine) List(ctx context.Context, tenant string, status domain.EventStatus, limit int) ([]domain.EventRef, error) {
	return e.Repo.ListEventRefs(ctx, tenant, status, limit)
}
