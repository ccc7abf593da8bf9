package schema_test

import (
	"context"
	"testing"
	"time"

	"github.com/KamaTechOrg/BSDFlow/internal/db"
	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/migrate"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
)

type testEnv struct {
	Reg *schema.Registry
	Ctx context.Context
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
	reg.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Reg: reg, Ctx: context.Background()}
}

func TestCreateTypeValidatesFields(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant: "acme",
		Name:   "Person",
		Fields: []domain.FieldDef{
			{Name: "email", Type: "string"},
			{Name: "email", Type: "string"},
			{Name: "age", Type: "integer"},
			{Name: "phone", Type: "string", Validator: &domain.ValidatorSpec{Name: "nope"}},
		},
		ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	ve, ok := err.(*domain.ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(ve.Violations) != 3 {
		t.Fatalf("expected 3 violations (dup name, bad type, bad validator), got %d: %v", len(ve.Violations), ve.Violations)
	}
}

func TestModifyFieldBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant: "acme",
		Name:   "Person",
		Fields: []domain.FieldDef{
			{Name: "name", Type: "string", Required: true},
			{Name: "age", Type: "number"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("new type version = %d, want 1", created.Version)
	}
	fieldID := created.Fields[1].ID

	rename := "years"
	updated, err := env.Reg.ModifyField(env.Ctx, "acme", created.ID, fieldID, schema.FieldPatch{Rename: &rename}, "tester")
	if err != nil {
		t.Fatalf("modify field: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}
	f, ok := updated.Field(fieldID)
	if !ok || f.Name != "years" {
		t.Fatalf("rename not applied: %+v", f)
	}
	// Same id, same type after rename.
	if f.ID != fieldID || f.Type != "number" {
		t.Fatalf("identity changed on rename: %+v", f)
	}
}

func TestModifyFieldRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant:  "acme",
		Name:    "Person",
		Fields:  []domain.FieldDef{{Name: "a", Type: "string"}, {Name: "b", Type: "string"}},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	rename := "a"
	_, err = env.Reg.ModifyField(env.Ctx, "acme", created.ID, created.Fields[1].ID, schema.FieldPatch{Rename: &rename}, "tester")
	if err == nil {
		t.Fatalf("expected duplicate name rejection")
	}
}

func TestRemoveRestoreFieldRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant:  "acme",
		Name:    "Person",
		Fields:  []domain.FieldDef{{Name: "nickname", Type: "string"}},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	fieldID := created.Fields[0].ID

	removed, err := env.Reg.RemoveField(env.Ctx, "acme", created.ID, fieldID, "tester")
	if err != nil {
		t.Fatalf("remove field: %v", err)
	}
	if f, _ := removed.Field(fieldID); !f.Deleted {
		t.Fatalf("field not marked deleted")
	}
	if removed.Version != 2 {
		t.Fatalf("version = %d, want 2", removed.Version)
	}

	// Removing again is a no-op: no version bump.
	again, err := env.Reg.RemoveField(env.Ctx, "acme", created.ID, fieldID, "tester")
	if err != nil {
		t.Fatalf("remove again: %v", err)
	}
	if again.Version != 2 {
		t.Fatalf("no-op remove bumped version to %d", again.Version)
	}

	restored, err := env.Reg.RestoreField(env.Ctx, "acme", created.ID, fieldID, "tester")
	if err != nil {
		t.Fatalf("restore field: %v", err)
	}
	f, ok := restored.Field(fieldID)
	if !ok || f.Deleted {
		t.Fatalf("field not restored: %+v", f)
	}
	// Identity survives the round trip.
	if f.ID != fieldID || f.Name != "nickname" || f.Type != "string" {
		t.Fatalf("identity changed across remove/restore: %+v", f)
	}
}

func TestModifyDeletedFieldRejected(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant:  "acme",
		Name:    "Person",
		Fields:  []domain.FieldDef{{Name: "nickname", Type: "string"}},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	fieldID := created.Fields[0].ID
	if _, err := env.Reg.RemoveField(env.Ctx, "acme", created.ID, fieldID, "tester"); err != nil {
		t.Fatalf("remove field: %v", err)
	}
	rename := "alias"
	_, err = env.Reg.ModifyField(env.Ctx, "acme", created.ID, fieldID, schema.FieldPatch{Rename: &rename}, "tester")
	if err == nil {
		t.Fatalf("expected rejection of deleted-field modify")
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Reg.CreateType(env.Ctx, schema.TypeCreateOptions{
		Tenant:  "acme",
		Name:    "Person",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	if _, err := env.Reg.GetType(env.Ctx, "other", created.ID); err == nil {
		t.Fatalf("expected not found across tenants")
	}
	if _, err := env.Reg.GetType(env.Ctx, "acme", created.ID); err != nil {
		t.Fatalf("owner tenant read failed: %v", err)
	}
}

func TestConditionTreeValidation(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Reg.CreateQuery(env.Ctx, domain.Query{Tenant: "acme", Source: domain.SourceEntity, Field: "email"}, "tester")
	if err != nil {
		t.Fatalf("create query: %v", err)
	}

	good := &domain.Condition{
		Kind: domain.CondAnd,
		Left: &domain.Condition{
			Kind:   domain.CondSingle,
			Single: &domain.SingleCondition{QueryID: q.ID, Operator: domain.OpEQ, Value: scalar.String("a@x.com")},
		},
		Right: &domain.Condition{
			Kind: domain.CondNot,
			Child: &domain.Condition{
				Kind:   domain.CondSingle,
				Single: &domain.SingleCondition{QueryID: q.ID, Operator: domain.OpMATCHES, Value: scalar.String(".*@spam[.]com")},
			},
		},
	}
	if _, err := env.Reg.CreateCondition(env.Ctx, domain.NamedCondition{Tenant: "acme", Tree: good}, "tester"); err != nil {
		t.Fatalf("create condition: %v", err)
	}

	missingChild := &domain.Condition{Kind: domain.CondOr, Left: good.Left}
	if _, err := env.Reg.CreateCondition(env.Ctx, domain.NamedCondition{Tenant: "acme", Tree: missingChild}, "tester"); err == nil {
		t.Fatalf("expected rejection of or with one child")
	}

	badOp := &domain.Condition{
		Kind:   domain.CondSingle,
		Single: &domain.SingleCondition{QueryID: q.ID, Operator: "LIKE", Value: scalar.String("x")},
	}
	if _, err := env.Reg.CreateCondition(env.Ctx, domain.NamedCondition{Tenant: "acme", Tree: badOp}, "tester"); err == nil {
		t.Fatalf("expected rejection of unknown operator")
	}

	unknownQuery := &domain.Condition{
		Kind:   domain.CondSingle,
		Single: &domain.SingleCondition{QueryID: "missing", Operator: domain.OpEQ, Value: scalar.String("x")},
	}
	if _, err := env.Reg.CreateCondition(env.Ctx, domain.NamedCondition{Tenant: "acme", Tree: unknownQuery}, "tester"); err == nil {
		t.Fatalf("expected rejection of unknown query reference")
	}
}

func TestProcessStepInvariants(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Reg.CreateQuery(env.Ctx, domain.Query{Tenant: "acme", Source: domain.SourceEntity, Field: "email"}, "tester")
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	cond, err := env.Reg.CreateCondition(env.Ctx, domain.NamedCondition{
		Tenant: "acme",
		Tree: &domain.Condition{
			Kind:   domain.CondSingle,
			Single: &domain.SingleCondition{QueryID: q.ID, Operator: domain.OpEQ, Value: scalar.String("a@x.com")},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("create condition: %v", err)
	}

	// A step carrying both payloads violates the two-variant shape.
	_, err = env.Reg.CreateProcess(env.Ctx, schema.ProcessCreateOptions{
		Tenant: "acme",
		Name:   "broken",
		Steps: []domain.StepDef{{
			Kind:      domain.StepCondition,
			Condition: &domain.ConditionStepDef{ConditionID: cond.ID},
			Action:    &domain.ActionStepDef{Type: domain.ActionNone},
		}},
		ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected rejection of step with both payloads")
	}

	p, err := env.Reg.CreateProcess(env.Ctx, schema.ProcessCreateOptions{
		Tenant: "acme",
		Name:   "ok",
		Steps: []domain.StepDef{
			{Kind: domain.StepCondition, Condition: &domain.ConditionStepDef{ConditionID: cond.ID}},
			{Kind: domain.StepAction, Action: &domain.ActionStepDef{Type: domain.ActionNone}},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create process: %v", err)
	}

	removed, err := env.Reg.RemoveStep(env.Ctx, "acme", p.ID, p.Steps[0].ID, "tester")
	if err != nil {
		t.Fatalf("remove step: %v", err)
	}
	if !removed.Steps[0].Deleted || removed.Version != 2 {
		t.Fatalf("remove step not applied: %+v", removed)
	}
	restored, err := env.Reg.RestoreStep(env.Ctx, "acme", p.ID, p.Steps[0].ID, "tester")
	if err != nil {
		t.Fatalf("restore step: %v", err)
	}
	if restored.Steps[0].Deleted || restored.Version != 3 {
		t.Fatalf("restore step not applied: %+v", restored)
	}
}
