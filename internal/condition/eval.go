package condition

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
)

// QueryLookup resolves stored query definitions.
type QueryLookup interface {
	GetQuery(ctx context.Context, tenant, id string) (domain.Query, error)
}

// EntityReader reads entity records. The audit view (soft-deleted fields
// included) is used so queries can still see historical values.
type EntityReader interface {
	Get(ctx context.Context, tenant, typeID, id string, includeDeleted bool) (domain.Entity, error)
}

// TypeLookup maps field names to ids when a query addresses a field by name.
type TypeLookup interface {
	GetType(ctx context.Context, tenant, id string) (domain.EntityType, error)
}

// DocumentLookup refreshes a bound document descriptor from the external
// document service. Optional; bound descriptors are used as-is without it.
type DocumentLookup interface {
	GetDocument(ctx context.Context, tenant, id string) (domain.DocumentRef, error)
}

// Scope names the instances a single evaluation pass may read from.
type Scope struct {
	Tenant    string
	Entities  []domain.EntityID
	Event     *domain.EventRef
	Documents []domain.DocumentRef
}

// Evaluator resolves queries against in-scope sources and evaluates
// condition trees. Evaluation is a pure function of the tree and the current
// data state: no side effects, safe to rerun concurrently.
type Evaluator struct {
	Queries   QueryLookup
	Entities  EntityReader
	Types     TypeLookup
	Documents DocumentLookup
}

// Eval evaluates one condition tree within one pass. Distinct query
// resolutions are memoized for the pass, since the same leaf may recur
// across sibling branches.
func (ev *Evaluator) Eval(ctx context.Context, scope Scope, node *domain.Condition) (bool, error) {
	p := &pass{ev: ev, scope: scope, memo: map[string]scalar.Value{}}
	return p.eval(ctx, node)
}

type pass struct {
	ev    *Evaluator
	scope Scope
	memo  map[string]scalar.Value
}

func (p *pass) eval(ctx context.Context, node *domain.Condition) (bool, error) {
	if node == nil {
		return false, &domain.UnresolvedReferenceError{Ref: "condition", Reason: "empty tree"}
	}
	switch node.Kind {
	case domain.CondSingle:
		return p.evalSingle(ctx, node.Single)
	case domain.CondAnd:
		// Short-circuit: a false left child settles the answer, and
		// resolution errors in the unevaluated right branch stay suppressed.
		left, err := p.eval(ctx, node.Left)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return p.eval(ctx, node.Right)
	case domain.CondOr:
		left, err := p.eval(ctx, node.Left)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return p.eval(ctx, node.Right)
	case domain.CondNot:
		v, err := p.eval(ctx, node.Child)
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return false, &domain.UnresolvedReferenceError{Ref: string(node.Kind), Reason: "unknown condition kind"}
}

func (p *pass) evalSingle(ctx context.Context, leaf *domain.SingleCondition) (bool, error) {
	if leaf == nil {
		return false, &domain.UnresolvedReferenceError{Ref: "condition", Reason: "single condition has no leaf"}
	}
	if !knownOperator(leaf.Operator) {
		return false, &domain.UnsupportedOperatorError{Operator: string(leaf.Operator)}
	}
	left, err := p.resolve(ctx, leaf.QueryID)
	if err != nil {
		return false, err
	}
	return compare(leaf.Operator, left, leaf.Value)
}

func knownOperator(op domain.Operator) bool {
	switch op {
	case domain.OpEQ, domain.OpNE, domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE, domain.OpIN, domain.OpCONTAINS, domain.OpMATCHES:
		return true
	}
	return false
}

func (p *pass) resolve(ctx context.Context, queryID string) (scalar.Value, error) {
	if v, ok := p.memo[queryID]; ok {
		return v, nil
	}
	q, err := p.ev.Queries.GetQuery(ctx, p.scope.Tenant, queryID)
	if err != nil {
		return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: queryID, Reason: err.Error()}
	}
	var v scalar.Value
	switch q.Source {
	case domain.SourceEntity:
		v, err = p.resolveEntity(ctx, q)
	case domain.SourceEvent:
		v, err = p.resolveEvent(q)
	case domain.SourceDocument:
		v, err = p.resolveDocument(ctx, q)
	default:
		err = &domain.UnresolvedReferenceError{Ref: queryID, Reason: fmt.Sprintf("unknown source %q", q.Source)}
	}
	if err != nil {
		return scalar.Value{}, err
	}
	p.memo[queryID] = v
	return v, nil
}

// resolveEntity walks the bound entities in binding order; the first record
// passing the creator filter and holding the field provides the value.
func (p *pass) resolveEntity(ctx context.Context, q domain.Query) (scalar.Value, error) {
	if len(p.scope.Entities) == 0 {
		return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: "no entities in scope"}
	}
	for _, ref := range p.scope.Entities {
		e, err := p.ev.Entities.Get(ctx, p.scope.Tenant, ref.Type, ref.ID, true)
		if err != nil {
			return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: err.Error()}
		}
		if q.CreatedBy != "" && e.CreatedBy != q.CreatedBy {
			continue
		}
		if v, ok := e.Fields[q.Field]; ok {
			return v, nil
		}
		// The query may address the field by name rather than id.
		if p.ev.Types != nil {
			t, err := p.ev.Types.GetType(ctx, p.scope.Tenant, ref.Type)
			if err == nil {
				for _, f := range t.Fields {
					if f.Name == q.Field {
						if v, ok := e.Fields[f.ID]; ok {
							return v, nil
						}
					}
				}
			}
		}
	}
	return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: fmt.Sprintf("field %q not present on any in-scope entity", q.Field)}
}

func (p *pass) resolveEvent(q domain.Query) (scalar.Value, error) {
	ev := p.scope.Event
	if ev == nil {
		return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: "no event in scope"}
	}
	switch q.Field {
	case "id":
		return scalar.String(ev.ID), nil
	case "process_id":
		return scalar.String(ev.ProcessID), nil
	case "status":
		return scalar.String(string(ev.Status)), nil
	case "cursor":
		return scalar.Number(float64(ev.Cursor)), nil
	case "started_at":
		return dateValue(ev.StartedAt)
	}
	return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: fmt.Sprintf("unknown event field %q", q.Field)}
}

func (p *pass) resolveDocument(ctx context.Context, q domain.Query) (scalar.Value, error) {
	if len(p.scope.Documents) == 0 {
		return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: "no documents in scope"}
	}
	for _, doc := range p.scope.Documents {
		if p.ev.Documents != nil {
			if fresh, err := p.ev.Documents.GetDocument(ctx, p.scope.Tenant, doc.ID); err == nil {
				doc = fresh
			}
		}
		if v, ok := documentField(doc, q.Field); ok {
			return v, nil
		}
	}
	return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: q.ID, Reason: fmt.Sprintf("unknown document field %q", q.Field)}
}

func documentField(doc domain.DocumentRef, field string) (scalar.Value, bool) {
	switch field {
	case "id":
		return scalar.String(doc.ID), true
	case "name":
		return scalar.String(doc.Name), true
	case "file_type":
		return scalar.String(doc.FileType), true
	case "size_bytes":
		return scalar.Number(float64(doc.SizeBytes)), true
	case "last_modified":
		if v, err := dateValue(doc.LastModified); err == nil {
			return v, true
		}
		return scalar.Value{}, false
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		if v, present := doc.Metadata[key]; present {
			return scalar.String(v), true
		}
	}
	return scalar.Value{}, false
}

func dateValue(s string) (scalar.Value, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return scalar.Value{}, &domain.UnresolvedReferenceError{Ref: s, Reason: "bad timestamp"}
	}
	return scalar.Date(t), nil
}

func compare(op domain.Operator, left, right scalar.Value) (bool, error) {
	switch op {
	case domain.OpEQ:
		return scalar.Equal(left, right), nil
	case domain.OpNE:
		return !scalar.Equal(left, right), nil
	case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE:
		cmp, ok := scalar.Compare(left, right)
		if !ok {
			return false, &domain.TypeMismatchError{Operator: op, Left: left.Kind().String(), Right: right.Kind().String()}
		}
		switch op {
		case domain.OpGT:
			return cmp > 0, nil
		case domain.OpGTE:
			return cmp >= 0, nil
		case domain.OpLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case domain.OpIN:
		if right.Kind() != scalar.KindArray {
			return false, &domain.TypeMismatchError{Operator: op, Left: left.Kind().String(), Right: right.Kind().String()}
		}
		for _, item := range right.Arr() {
			if scalar.Equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case domain.OpCONTAINS:
		switch left.Kind() {
		case scalar.KindArray:
			for _, item := range left.Arr() {
				if scalar.Equal(item, right) {
					return true, nil
				}
			}
			return false, nil
		case scalar.KindString:
			if right.Kind() != scalar.KindString {
				return false, &domain.TypeMismatchError{Operator: op, Left: left.Kind().String(), Right: right.Kind().String()}
			}
			return strings.Contains(left.Str(), right.Str()), nil
		}
		return false, &domain.TypeMismatchError{Operator: op, Left: left.Kind().String(), Right: right.Kind().String()}
	case domain.OpMATCHES:
		if left.Kind() != scalar.KindString || right.Kind() != scalar.KindString {
			return false, &domain.TypeMismatchError{Operator: op, Left: left.Kind().String(), Right: right.Kind().String()}
		}
		re, err := regexp.Compile(right.Str())
		if err != nil {
			return false, fmt.Errorf("bad pattern %q: %w", right.Str(), err)
		}
		return re.MatchString(left.Str()), nil
	}
	return false, &domain.UnsupportedOperatorError{Operator: string(op)}
}
