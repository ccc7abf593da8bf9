package server

import (
	"encoding/json"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/repo"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

// Request payloads

type FieldRequest struct {
	ID        *string               `json:"id,omitempty"`
	Name      string                `json:"name"`
	Type      string                `json:"type" enum:"string,number,boolean,date,json"`
	Required  bool                  `json:"required,omitempty"`
	Validator *domain.ValidatorSpec `json:"validator,omitempty"`
}

type CreateTypeRequest struct {
	ID     *string        `json:"id,omitempty"`
	Name   string         `json:"name"`
	Fields []FieldRequest `json:"fields,omitempty"`
}

type ModifyFieldRequest struct {
	Name           *string               `json:"name,omitempty"`
	Type           *string               `json:"type,omitempty" enum:"string,number,boolean,date,json"`
	Required       *bool                 `json:"required,omitempty"`
	Validator      *domain.ValidatorSpec `json:"validator,omitempty"`
	ClearValidator bool                  `json:"clear_validator,omitempty"`
}

type CreateEntityRequest struct {
	ID     *string        `json:"id,omitempty"`
	Fields map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type UpdateEntityRequest struct {
	Fields   map[string]any `json:"fields" jsonschema:"type=object,additionalProperties=true"`
	Revision int64          `json:"revision"`
}

type CreateQueryRequest struct {
	ID        *string `json:"id,omitempty"`
	Source    string  `json:"source" enum:"entity,event,document"`
	CreatedBy *string `json:"created_by,omitempty"`
	Field     string  `json:"field"`
}

type CreateConditionRequest struct {
	ID   *string           `json:"id,omitempty"`
	Tree *domain.Condition `json:"tree"`
}

type CreateProcessRequest struct {
	ID    *string          `json:"id,omitempty"`
	Name  string           `json:"name"`
	Steps []domain.StepDef `json:"steps,omitempty"`
}

type StartEventRequest struct {
	ID        *string              `json:"id,omitempty"`
	ProcessID string               `json:"process_id"`
	Entities  []domain.EntityID    `json:"entities,omitempty"`
	Documents []domain.DocumentRef `json:"documents,omitempty"`
}

// Response payloads

type FieldResponse struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Type      string                `json:"type" enum:"string,number,boolean,date,json"`
	Required  bool                  `json:"required,omitempty"`
	Validator *domain.ValidatorSpec `json:"validator,omitempty"`
	Deleted   bool                  `json:"deleted,omitempty"`
}

type TypeResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int64           `json:"version"`
	Fields    []FieldResponse `json:"fields"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type EntityResponse struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields" jsonschema:"type=object,additionalProperties=true"`
	Revision  int64          `json:"revision"`
	CreatedBy string         `json:"created_by,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type QueryResponse struct {
	ID        string `json:"id"`
	Source    string `json:"source" enum:"entity,event,document"`
	CreatedBy string `json:"created_by,omitempty"`
	Field     string `json:"field"`
}

type ConditionResponse struct {
	ID   string            `json:"id"`
	Tree *domain.Condition `json:"tree"`
}

type ProcessResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Version   int64            `json:"version"`
	Steps     []domain.StepDef `json:"steps"`
	CreatedAt string           `json:"created_at" format:"date-time"`
	UpdatedAt string           `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID        string               `json:"id"`
	ProcessID string               `json:"process_id"`
	Status    string               `json:"status" enum:"running,completed,failed,aborted"`
	Cursor    int                  `json:"cursor"`
	Entities  []domain.EntityID    `json:"entities,omitempty"`
	Documents []domain.DocumentRef `json:"documents,omitempty"`
	Steps     []domain.StepDef     `json:"steps"`
	States    []domain.StepState   `json:"states"`
	Revision  int64                `json:"revision"`
	StartedAt string               `json:"started_at" format:"date-time"`
	UpdatedAt string               `json:"updated_at" format:"date-time"`
}

type JournalEntryResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Mappers

func typeResponse(t domain.EntityType) TypeResponse {
	fields := make([]FieldResponse, 0, len(t.Fields))
	for _, f := range t.Fields {
		fields = append(fields, FieldResponse{
			ID:        f.ID,
			Name:      f.Name,
			Type:      string(f.Type),
			Required:  f.Required,
			Validator: f.Validator,
			Deleted:   f.Deleted,
		})
	}
	return TypeResponse{
		ID:        t.ID,
		Name:      t.Name,
		Version:   t.Version,
		Fields:    fields,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func mapTypes(items []domain.EntityType) []TypeResponse {
	out := make([]TypeResponse, 0, len(items))
	for _, t := range items {
		out = append(out, typeResponse(t))
	}
	return out
}

func entityResponse(e domain.Entity) EntityResponse {
	return EntityResponse{
		Type:      e.Type,
		ID:        e.ID,
		Fields:    fieldsToWire(e.Fields),
		Revision:  e.Revision,
		CreatedBy: e.CreatedBy,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func mapEntities(items []domain.Entity) []EntityResponse {
	out := make([]EntityResponse, 0, len(items))
	for _, e := range items {
		out = append(out, entityResponse(e))
	}
	return out
}

func queryResponse(q domain.Query) QueryResponse {
	return QueryResponse{ID: q.ID, Source: string(q.Source), CreatedBy: q.CreatedBy, Field: q.Field}
}

func mapQueries(items []domain.Query) []QueryResponse {
	out := make([]QueryResponse, 0, len(items))
	for _, q := range items {
		out = append(out, queryResponse(q))
	}
	return out
}

func processResponse(p domain.Process) ProcessResponse {
	return ProcessResponse{
		ID:        p.ID,
		Name:      p.Name,
		Version:   p.Version,
		Steps:     p.Steps,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapProcesses(items []domain.Process) []ProcessResponse {
	out := make([]ProcessResponse, 0, len(items))
	for _, p := range items {
		out = append(out, processResponse(p))
	}
	return out
}

func eventResponse(ev domain.EventRef) EventResponse {
	return EventResponse{
		ID:        ev.ID,
		ProcessID: ev.ProcessID,
		Status:    string(ev.Status),
		Cursor:    ev.Cursor,
		Entities:  ev.Entities,
		Documents: ev.Documents,
		Steps:     ev.Steps,
		States:    ev.States,
		Revision:  ev.Revision,
		StartedAt: ev.StartedAt,
		UpdatedAt: ev.UpdatedAt,
	}
}

func mapEvents(items []domain.EventRef) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, eventResponse(ev))
	}
	return out
}

func journalResponse(e repo.JournalEntry) JournalEntryResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return JournalEntryResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

// fieldsFromWire decodes raw JSON values into typed scalars, including the
// tagged date form.
func fieldsFromWire(raw map[string]any) (map[string]scalar.Value, error) {
	out := make(map[string]scalar.Value, len(raw))
	for k, v := range raw {
		sv, err := scalar.FromAny(v)
		if err != nil {
			return nil, &domain.ValidationError{Violations: []domain.Violation{{Field: k, Reason: err.Error()}}}
		}
		out[k] = sv
	}
	return out, nil
}

func fieldsToWire(fields map[string]scalar.Value) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		var anyVal any
		if err := json.Unmarshal(data, &anyVal); err != nil {
			continue
		}
		out[k] = anyVal
	}
	return out
}
