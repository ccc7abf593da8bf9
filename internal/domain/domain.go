package domain

import (
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldJSON    FieldType = "json"
)

// KnownFieldTypes lists the accepted declared types.
var KnownFieldTypes = []FieldType{FieldString, FieldNumber, FieldBoolean, FieldDate, FieldJSON}

// Accepts reports whether a runtime value kind satisfies the declared type.
func (t FieldType) Accepts(k scalar.Kind) bool {
	switch t {
	case FieldString:
		return k == scalar.KindString
	case FieldNumber:
		return k == scalar.KindNumber
	case FieldBoolean:
		return k == scalar.KindBool
	case FieldDate:
		return k == scalar.KindDate
	case FieldJSON:
		return k == scalar.KindObject || k == scalar.KindArray
	}
	return false
}

// ValidatorSpec names a registered validation strategy with its parameters.
// Specs are persisted with the schema, so validators are data, not callables.
type ValidatorSpec struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// FieldDef is one field of an entity type. The id stays stable for the
// lifetime of the type; soft-delete flips Deleted without dropping the id or
// any historical values.
type FieldDef struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      FieldType      `json:"type" enum:"string,number,boolean,date,json"`
	Required  bool           `json:"required,omitempty"`
	Validator *ValidatorSpec `json:"validator,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// EntityType owns an ordered field list. Order is display order only.
type EntityType struct {
	Tenant    string     `json:"tenant"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Version   int64      `json:"version"`
	Fields    []FieldDef `json:"fields"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

// Field returns the field with the given id, soft-deleted included.
func (t EntityType) Field(id string) (FieldDef, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDef{}, false
}

// EntityID is the composite identity of a record.
type EntityID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Entity is a schema-validated EAV record. Revision is the optimistic
// concurrency marker: updates are conditioned on it.
type Entity struct {
	Tenant    string                  `json:"tenant"`
	Type      string                  `json:"type"`
	ID        string                  `json:"id"`
	Fields    map[string]scalar.Value `json:"fields"`
	Revision  int64                   `json:"revision"`
	CreatedBy string                  `json:"created_by,omitempty"`
	CreatedAt string                  `json:"created_at" format:"date-time"`
	UpdatedAt string                  `json:"updated_at" format:"date-time"`
}

// Ref returns the entity's composite identity.
func (e Entity) Ref() EntityID { return EntityID{Type: e.Type, ID: e.ID} }

// QuerySource selects which in-scope record kind a query reads.
type QuerySource string

const (
	SourceEntity   QuerySource = "entity"
	SourceEvent    QuerySource = "event"
	SourceDocument QuerySource = "document"
)

// Query is a named extraction rule: from a record of the given source kind,
// optionally filtered by creator, project one field.
type Query struct {
	Tenant    string      `json:"tenant"`
	ID        string      `json:"id"`
	Source    QuerySource `json:"source" enum:"entity,event,document"`
	CreatedBy string      `json:"created_by,omitempty"`
	Field     string      `json:"field"`
}

// Operator enumerates leaf comparison operators. Anything else is rejected
// with UnsupportedOperatorError.
type Operator string

const (
	OpEQ       Operator = "EQ"
	OpNE       Operator = "NE"
	OpGT       Operator = "GT"
	OpGTE      Operator = "GTE"
	OpLT       Operator = "LT"
	OpLTE      Operator = "LTE"
	OpIN       Operator = "IN"
	OpCONTAINS Operator = "CONTAINS"
	OpMATCHES  Operator = "MATCHES"
)

// ConditionKind tags the condition tree variants.
type ConditionKind string

const (
	CondSingle ConditionKind = "single"
	CondAnd    ConditionKind = "and"
	CondOr     ConditionKind = "or"
	CondNot    ConditionKind = "not"
)

// SingleCondition is a leaf predicate: resolve the query, compare to Value.
type SingleCondition struct {
	QueryID  string       `json:"query_id"`
	Operator Operator     `json:"operator"`
	Value    scalar.Value `json:"value"`
}

// Condition is the closed condition-tree variant set. Exactly the fields for
// the tagged kind are set: Single for single, Left/Right for and/or, Child
// for not. Trees are built from leaves up and are acyclic by construction.
type Condition struct {
	Kind   ConditionKind    `json:"kind" enum:"single,and,or,not"`
	Single *SingleCondition `json:"single,omitempty"`
	Left   *Condition       `json:"left,omitempty"`
	Right  *Condition       `json:"right,omitempty"`
	Child  *Condition       `json:"child,omitempty"`
}

// NamedCondition is a stored condition tree addressable by id, referenced by
// process condition steps.
type NamedCondition struct {
	Tenant string     `json:"tenant"`
	ID     string     `json:"id"`
	Tree   *Condition `json:"tree"`
}

// StepKind tags the two process step variants.
type StepKind string

const (
	StepCondition StepKind = "condition"
	StepAction    StepKind = "action"
)

// ActionType enumerates the action side effects.
type ActionType string

const (
	ActionEmail       ActionType = "email"
	ActionFieldUpdate ActionType = "field_update"
	ActionNone        ActionType = "none"
)

// EmailParams configures an email action.
type EmailParams struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// FieldUpdateParams configures a field-update action: set Field to Value on
// the first bound entity of the given type.
type FieldUpdateParams struct {
	Type  string       `json:"type"`
	Field string       `json:"field"`
	Value scalar.Value `json:"value"`
}

// ConditionStepDef gates a step on a stored condition tree.
type ConditionStepDef struct {
	ConditionID string `json:"condition_id"`
}

// ActionStepDef holds exactly one action payload matching Type.
type ActionStepDef struct {
	Type        ActionType         `json:"type" enum:"email,field_update,none"`
	Email       *EmailParams       `json:"email,omitempty"`
	FieldUpdate *FieldUpdateParams `json:"field_update,omitempty"`
}

// StepDef is a two-variant step: exactly one of Condition or Action is set,
// matching Kind. Soft-deleted steps are skipped when instances start.
type StepDef struct {
	ID        string            `json:"id"`
	Kind      StepKind          `json:"kind" enum:"condition,action"`
	Condition *ConditionStepDef `json:"condition,omitempty"`
	Action    *ActionStepDef    `json:"action,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
}

// Process is an authored, immutable step sequence. Versioning goes through
// the same modify/remove/restore surface as entity-type fields.
type Process struct {
	Tenant    string    `json:"tenant"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	Steps     []StepDef `json:"steps"`
	CreatedAt string    `json:"created_at" format:"date-time"`
	UpdatedAt string    `json:"updated_at" format:"date-time"`
}

// EventStatus is the instance-level state.
type EventStatus string

const (
	EventRunning   EventStatus = "running"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventAborted   EventStatus = "aborted"
)

// StepState is the instance-local copy of one step's progress. AttemptTimes
// grows by one per attempt regardless of outcome; OK and Done are terminal.
type StepState struct {
	StepID       string   `json:"step_id"`
	AttemptTimes []string `json:"attempt_times,omitempty"`
	OK           bool     `json:"is_ok,omitempty"`
	Done         bool     `json:"is_done,omitempty"`
	Failed       bool     `json:"failed,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}

// DocumentRef is the read-only document descriptor the condition engine can
// source from. Document storage itself is external.
type DocumentRef struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	FileType     string            `json:"file_type"`
	SizeBytes    int64             `json:"size_bytes"`
	LastModified string            `json:"last_modified" format:"date-time"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EventRef is a running instance of a Process. It owns its step-state copies;
// the process definition stays shared and read-only. Revision guards
// concurrent advance persistence.
type EventRef struct {
	Tenant    string        `json:"tenant"`
	ID        string        `json:"id"`
	ProcessID string        `json:"process_id"`
	Status    EventStatus   `json:"status" enum:"running,completed,failed,aborted"`
	Cursor    int           `json:"cursor"`
	Entities  []EntityID    `json:"entities,omitempty"`
	Documents []DocumentRef `json:"documents,omitempty"`
	Steps     []StepDef     `json:"steps"`
	States    []StepState   `json:"states"`
	Revision  int64         `json:"revision"`
	StartedAt string        `json:"started_at" format:"date-time"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}
