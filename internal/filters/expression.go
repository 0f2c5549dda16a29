package filters

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Op is a comparison operator in a filter predicate.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Metadata field names shared by the builder and the stores.
const (
	FieldDate        = "date"
	FieldMonth       = "month"
	FieldYear        = "year"
	FieldEnvironment = "environment"
	FieldStatus      = "status"
	FieldIsCorrect   = "is_correct"
)

// Predicate compares one metadata field against a value.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Expression is a conjunction of predicates. A nil *Expression means
// "no filter" and matches everything.
type Expression struct {
	And []Predicate `json:"and"`
}

// Build compiles optional date and metadata filters into an Expression.
// It returns nil when neither filter contributes a predicate.
func Build(date *DateFilter, meta *MetadataFilter) *Expression {
	var preds []Predicate

	if !date.IsZero() {
		switch {
		case date.IsRange():
			preds = append(preds,
				Predicate{Field: FieldDate, Op: OpGte, Value: date.StartDate},
				Predicate{Field: FieldDate, Op: OpLte, Value: date.EndDate},
			)
		case date.DateStr != "":
			preds = append(preds, Predicate{Field: FieldDate, Op: OpEq, Value: date.DateStr})
		default:
			if date.Month != 0 {
				preds = append(preds, Predicate{Field: FieldMonth, Op: OpEq, Value: date.Month})
			}
			if date.Year != 0 {
				preds = append(preds, Predicate{Field: FieldYear, Op: OpEq, Value: date.Year})
			}
		}
	}

	if !meta.IsZero() {
		if meta.Environment != "" {
			preds = append(preds, Predicate{Field: FieldEnvironment, Op: OpEq, Value: meta.Environment})
		}
		if meta.Status != "" {
			preds = append(preds, Predicate{Field: FieldStatus, Op: OpEq, Value: meta.Status})
		}
		if meta.IsCorrect != nil {
			preds = append(preds, Predicate{Field: FieldIsCorrect, Op: OpEq, Value: *meta.IsCorrect})
		}
	}

	if len(preds) == 0 {
		return nil
	}
	return &Expression{And: preds}
}

// Match evaluates the expression against a record's metadata. A record
// lacking a referenced field does not match.
func (e *Expression) Match(metadata map[string]any) bool {
	if e == nil {
		return true
	}
	for _, p := range e.And {
		v, ok := metadata[p.Field]
		if !ok || !p.holds(v) {
			return false
		}
	}
	return true
}

func (p Predicate) holds(v any) bool {
	c, ok := compare(v, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return c == 0
	case OpGte:
		return c >= 0
	case OpLte:
		return c <= 0
	}
	return false
}

// compare orders a against b. Numbers compare numerically regardless of
// their Go type, since values may have crossed a JSON boundary.
func compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok || x != y {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Qdrant renders the expression as a Qdrant filter object. Ordered string
// comparisons become datetime_range conditions.
func (e *Expression) Qdrant() map[string]any {
	if e == nil {
		return nil
	}
	must := make([]map[string]any, 0, len(e.And))
	for _, p := range e.And {
		cond := map[string]any{"key": p.Field}
		switch p.Op {
		case OpEq:
			cond["match"] = map[string]any{"value": p.Value}
		case OpGte, OpLte:
			kind := "range"
			if _, isString := p.Value.(string); isString {
				kind = "datetime_range"
			}
			cond[kind] = map[string]any{string(p.Op): p.Value}
		}
		must = append(must, cond)
	}
	return map[string]any{"must": must}
}

func (e *Expression) String() string {
	if e == nil {
		return "<none>"
	}
	parts := make([]string, len(e.And))
	for i, p := range e.And {
		sym := "="
		switch p.Op {
		case OpGte:
			sym = ">="
		case OpLte:
			sym = "<="
		}
		parts[i] = fmt.Sprintf("%s %s %v", p.Field, sym, p.Value)
	}
	return strings.Join(parts, " AND ")
}
