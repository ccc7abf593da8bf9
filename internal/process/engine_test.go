package process_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/KamaTechOrg/BSDFlow/internal/db"
	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/entity"
	"github.com/KamaTechOrg/BSDFlow/internal/migrate"
	"github.com/KamaTechOrg/BSDFlow/internal/process"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
)

type testEnv struct {
	Reg    *schema.Registry
	Store  *entity.Store
	Engine *process.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := schema.NewRegistry(conn)
	store := entity.NewStore(conn, reg)
	eng := process.New(conn, reg, store)
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	reg.Now = now
	store.Now = now
	eng.Now = now
	return testEnv{Reg: reg, Store: store, Engine: eng, Ctx: context.Background()}
}

// fixture is a Person type, one record, a condition on its email and a
// three-step process: gate on the email, stamp status, then a no-op action.
type fixture struct {
	TypeID   string
	FieldIDs map[string]string
	Entity   domain.Entity
	Process  domain.Process
}

func newFixture(t *testing.T, env testEnv, email string) fixture {
	t.Helper()
	created, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant: "acme",
		Name:   "Person",
		Fields: []domain.FieldDef{
			{Name: "email", Type: domain.FieldString, Required: true},
			{Name: "status", Type: domain.FieldString},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	ids := map[string]string{}
	for _, f := range created.Fields {
		ids[f.Name] = f.ID
	}

	e, err := env.Store.Create(env.Ctx, entity.CreateOptions{
		Tenant:  "acme",
		Type:    created.ID,
		Fields:  map[string]scalar.Value{ids["email"]: scalar.String(email)},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}

	q, err := env.Reg.CreateQuery(env.Ctx, domain.Query{Tenant: "acme", Source: domain.SourceEntity, Field: "email"}, "tester")
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	cond, err := env.Reg.CreateCondition(env.Ctx, domain.NamedCondition{
		Tenant: "acme",
		Tree: &domain.Condition{
			Kind:   domain.CondSingle,
			Single: &domain.SingleCondition{QueryID: q.ID, Operator: domain.OpEQ, Value: scalar.String("ada@x.com")},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("create condition: %v", err)
	}

	p, err := env.Reg.CreateProcess(env.Ctx, schema.ProcessCreateOptions{
		Tenant: "acme",
		Name:   "verify-person",
		Steps: []domain.StepDef{
			{Kind: domain.StepCondition, Condition: &domain.ConditionStepDef{ConditionID: cond.ID}},
			{Kind: domain.StepAction, Action: &domain.ActionStepDef{
				Type: domain.ActionFieldUpdate,
				FieldUpdate: &domain.FieldUpdateParams{
					Type:  created.ID,
					Field: "status",
					Value: scalar.String("verified"),
				},
			}},
			{Kind: domain.StepAction, Action: &domain.ActionStepDef{Type: domain.ActionNone}},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create process: %v", err)
	}
	return fixture{TypeID: created.ID, FieldIDs: ids, Entity: e, Process: p}
}

func start(t *testing.T, env testEnv, fx fixture) domain.EventRef {
	t.Helper()
	ev, err := env.Engine.Start(env.Ctx, process.StartOptions{
		Tenant:    "acme",
		ProcessID: fx.Process.ID,
		Entities:  []domain.EntityID{{Type: fx.TypeID, ID: fx.Entity.ID}},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("start event: %v", err)
	}
	return ev
}

func TestRunToCompletion(t *testing.T) {
	env := newTestEnv(t)
	fx := newFixture(t, env, "ada@x.com")
	ev := start(t, env, fx)

	if ev.Status != domain.EventRunning || ev.Cursor != 0 {
		t.Fatalf("fresh event: status=%s cursor=%d", ev.Status, ev.Cursor)
	}

	// Condition gate.
	ev, err := env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	if !ev.States[0].OK || ev.Cursor != 1 {
		t.Fatalf("condition step not satisfied: %+v", ev)
	}
	if len(ev.States[0].AttemptTimes) != 1 {
		t.Fatalf("attempt times = %d, want 1", len(ev.States[0].AttemptTimes))
	}

	// Field update.
	ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance 2: %v", err)
	}
	if !ev.States[1].Done || ev.Cursor != 2 {
		t.Fatalf("action step not done: %+v", ev)
	}
	got, err := env.Store.Get(env.Ctx, "acme", fx.TypeID, fx.Entity.ID, false)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if v := got.Fields[fx.FieldIDs["status"]]; v.Str() != "verified" {
		t.Fatalf("status = %v, want verified", v)
	}

	// Final no-op action completes the instance.
	ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance 3: %v", err)
	}
	if ev.Status != domain.EventCompleted {
		t.Fatalf("status = %s, want completed", ev.Status)
	}

	// Advancing a terminal instance is a pure no-op.
	before := ev.Revision
	again, err := env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance terminal: %v", err)
	}
	if again.Revision != before {
		t.Fatalf("terminal advance changed revision %d -> %d", before, again.Revision)
	}
	if len(again.States[2].AttemptTimes) != 1 {
		t.Fatalf("terminal advance added attempt bookkeeping")
	}
}

func TestUnsatisfiedConditionStaysPending(t *testing.T) {
	env := newTestEnv(t)
	fx := newFixture(t, env, "bob@x.com")
	ev := start(t, env, fx)

	for i := 1; i <= 3; i++ {
		var err error
		ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if ev.Status != domain.EventRunning || ev.Cursor != 0 {
			t.Fatalf("advance %d: status=%s cursor=%d", i, ev.Status, ev.Cursor)
		}
		// Every re-check is booked, even though nothing moved.
		if len(ev.States[0].AttemptTimes) != i {
			t.Fatalf("advance %d: attempts=%d", i, len(ev.States[0].AttemptTimes))
		}
	}

	// Fix the data; the gate opens on the next check.
	_, err := env.Store.Update(env.Ctx, entity.UpdateOptions{
		Tenant:   "acme",
		Type:     fx.TypeID,
		ID:       fx.Entity.ID,
		Fields:   map[string]scalar.Value{fx.FieldIDs["email"]: scalar.String("ada@x.com")},
		Revision: fx.Entity.Revision,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("update entity: %v", err)
	}
	ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance after fix: %v", err)
	}
	if !ev.States[0].OK || ev.Cursor != 1 {
		t.Fatalf("gate did not open: %+v", ev)
	}
}

type failingMailer struct{}

func (failingMailer) Send(context.Context, string, string, string) error {
	return fmt.Errorf("smtp unavailable")
}

func TestActionRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Mailer = failingMailer{}
	env.Engine.MaxAttempts = 3

	p, err := env.Reg.CreateProcess(env.Ctx, schema.ProcessCreateOptions{
		Tenant: "acme",
		Name:   "notify",
		Steps: []domain.StepDef{
			{Kind: domain.StepAction, Action: &domain.ActionStepDef{
				Type:  domain.ActionEmail,
				Email: &domain.EmailParams{To: "ops@x.com", Subject: "hi"},
			}},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create process: %v", err)
	}
	ev, err := env.Engine.Start(env.Ctx, process.StartOptions{Tenant: "acme", ProcessID: p.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i <= 2; i++ {
		ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if ev.Status != domain.EventRunning {
			t.Fatalf("advance %d: status=%s", i, ev.Status)
		}
		if ev.States[0].LastError == "" {
			t.Fatalf("advance %d: error not recorded", i)
		}
	}

	// Third attempt exhausts the budget.
	ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance 3: %v", err)
	}
	if ev.Status != domain.EventFailed || !ev.States[0].Failed {
		t.Fatalf("expected terminal failure, got %+v", ev)
	}
	if len(ev.States[0].AttemptTimes) != 3 {
		t.Fatalf("attempts = %d, want 3", len(ev.States[0].AttemptTimes))
	}
}

func TestMalformedConditionIsFatal(t *testing.T) {
	env := newTestEnv(t)
	fx := newFixture(t, env, "ada@x.com")

	// Corrupt the stored tree with an operator the evaluator rejects. The
	// registry refuses to author it, so write it behind its back.
	q, err := env.Reg.CreateQuery(env.Ctx, domain.Query{Tenant: "acme", Source: domain.SourceEntity, Field: "email"}, "tester")
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	bad := domain.NamedCondition{
		Tenant: "acme",
		ID:     "bad-cond",
		Tree: &domain.Condition{
			Kind:   domain.CondSingle,
			Single: &domain.SingleCondition{QueryID: q.ID, Operator: "LIKE", Value: scalar.String("x")},
		},
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Engine.Repo.UpsertCondition(env.Ctx, tx, bad); err != nil {
		t.Fatalf("upsert condition: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	p, err := env.Reg.CreateProcess(env.Ctx, schema.ProcessCreateOptions{
		Tenant: "acme",
		Name:   "broken-gate",
		Steps: []domain.StepDef{
			{Kind: domain.StepCondition, Condition: &domain.ConditionStepDef{ConditionID: "bad-cond"}},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create process: %v", err)
	}
	ev, err := env.Engine.Start(env.Ctx, process.StartOptions{
		Tenant:    "acme",
		ProcessID: p.ID,
		Entities:  []domain.EntityID{{Type: fx.TypeID, ID: fx.Entity.ID}},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ev.Status != domain.EventFailed || !ev.States[0].Failed {
		t.Fatalf("unsupported operator should fail the instance: %+v", ev)
	}
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t)
	fx := newFixture(t, env, "bob@x.com")
	ev := start(t, env, fx)

	ev, err := env.Engine.Abort(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if ev.Status != domain.EventAborted {
		t.Fatalf("status = %s, want aborted", ev.Status)
	}

	// Abort and advance are both no-ops afterwards.
	before := ev.Revision
	ev, err = env.Engine.Abort(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("abort again: %v", err)
	}
	if ev.Revision != before {
		t.Fatalf("second abort changed revision")
	}
	ev, err = env.Engine.Advance(env.Ctx, "acme", ev.ID, "tester")
	if err != nil {
		t.Fatalf("advance aborted: %v", err)
	}
	if ev.Status != domain.EventAborted || ev.Revision != before {
		t.Fatalf("advance touched aborted instance: %+v", ev)
	}
}

func TestEmptyProcessCompletesAtStart(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Reg.CreateProcess(env.Ctx, schema.ProcessCreateOptions{
		Tenant:  "acme",
		Name:    "empty",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create process: %v", err)
	}
	ev, err := env.Engine.Start(env.Ctx, process.StartOptions{Tenant: "acme", ProcessID: p.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev.Status != domain.EventCompleted {
		t.Fatalf("status = %s, want completed", ev.Status)
	}
}

func TestDeletedStepsSkippedAtStart(t *testing.T) {
	env := newTestEnv(t)
	fx := newFixture(t, env, "ada@x.com")

	// Remove the condition gate; instances started afterwards skip it.
	removed, err := env.Reg.RemoveStep(env.Ctx, "acme", fx.Process.ID, fx.Process.Steps[0].ID, "tester")
	if err != nil {
		t.Fatalf("remove step: %v", err)
	}
	if !removed.Steps[0].Deleted {
		t.Fatalf("step not deleted")
	}

	ev := start(t, env, fx)
	if len(ev.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(ev.Steps))
	}
	if ev.Steps[0].Kind != domain.StepAction {
		t.Fatalf("deleted gate still present: %+v", ev.Steps)
	}

	var errNotFound *domain.NotFoundError
	if _, err := env.Engine.Get(env.Ctx, "acme", "missing"); !errors.As(err, &errNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
