package process

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/entity"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

// Mailer sends the email action's message. The default implementation only
// logs; deployments plug in a real transport.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer records outgoing mail in the log instead of delivering it.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to, subject, _ string) error {
	log.Printf("mail: to=%s subject=%q (log only)", to, subject)
	return nil
}

const fieldUpdateRetries = 3

// execute performs a single attempt of an action step. Errors come back
// wrapped in ActionExecutionError so the engine's retry bookkeeping can treat
// every action uniformly.
func (e *Engine) execute(ctx context.Context, ev *domain.EventRef, step domain.StepDef) error {
	act := step.Action
	if act == nil {
		return &domain.ActionExecutionError{StepID: step.ID, Err: fmt.Errorf("action step has no action payload")}
	}
	switch act.Type {
	case domain.ActionNone:
		return nil
	case domain.ActionEmail:
		if err := e.Mailer.Send(ctx, act.Email.To, act.Email.Subject, act.Email.Body); err != nil {
			return &domain.ActionExecutionError{StepID: step.ID, Err: err}
		}
		return nil
	case domain.ActionFieldUpdate:
		if err := e.fieldUpdate(ctx, ev, act.FieldUpdate); err != nil {
			return &domain.ActionExecutionError{StepID: step.ID, Err: err}
		}
		return nil
	}
	return &domain.ActionExecutionError{StepID: step.ID, Err: fmt.Errorf("unknown action type %q", act.Type)}
}

// fieldUpdate writes params.Value to params.Field on the first bound entity
// of the target type. Concurrent writers can bump the revision between read
// and write, so the CAS loop rereads and retries a few times before giving
// the attempt up.
func (e *Engine) fieldUpdate(ctx context.Context, ev *domain.EventRef, params *domain.FieldUpdateParams) error {
	var target *domain.EntityID
	for i, ref := range ev.Entities {
		if ref.Type == params.Type {
			target = &ev.Entities[i]
			break
		}
	}
	if target == nil {
		return &domain.UnresolvedReferenceError{Ref: params.Type, Reason: "no bound entity of that type"}
	}

	fieldID, err := e.resolveFieldID(ctx, ev.Tenant, params.Type, params.Field)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < fieldUpdateRetries; i++ {
		cur, err := e.Entities.Get(ctx, ev.Tenant, target.Type, target.ID, false)
		if err != nil {
			return err
		}
		_, err = e.Entities.Update(ctx, entity.UpdateOptions{
			Tenant:   ev.Tenant,
			Type:     target.Type,
			ID:       target.ID,
			Fields:   map[string]scalar.Value{fieldID: params.Value},
			Revision: cur.Revision,
			ActorID:  "engine",
		})
		if err == nil {
			return nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// resolveFieldID accepts either a field id or a field name.
func (e *Engine) resolveFieldID(ctx context.Context, tenant, typeID, field string) (string, error) {
	t, err := e.Schemas.GetType(ctx, tenant, typeID)
	if err != nil {
		return "", err
	}
	if _, ok := t.Field(field); ok {
		return field, nil
	}
	for _, f := range t.Fields {
		if f.Name == field && !f.Deleted {
			return f.ID, nil
		}
	}
	return "", &domain.UnresolvedReferenceError{Ref: field, Reason: fmt.Sprintf("no such field on type %q", typeID)}
}
