package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Document is a snapshot of a stored document.
type Document struct {
	Path   string
	ID     string
	Fields Fields
}

// DataTo decodes the document fields into v using the json tags of v.
func (d *Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", d.Path, err)
	}
	return nil
}

// Op is a filter comparison operator.
type Op string

const (
	OpEqual        Op = "=="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
)

// Filter restricts a query to documents whose field compares to Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for a Filter literal.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects and orders documents of a single collection. Documents missing
// the OrderBy field are left out, the same as documents failing a filter.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// normalize resolves ServerTimestamp sentinels and converts the fields to plain JSON types.
func normalize(fields Fields, nowMillis int64) (Fields, error) {
	resolved := resolveSentinels(map[string]any(fields), nowMillis).(map[string]any)
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("storage: encode fields: %w", err)
	}
	out := Fields{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("storage: normalize fields: %w", err)
	}
	return out, nil
}

func resolveSentinels(v any, nowMillis int64) any {
	switch t := v.(type) {
	case serverTimestamp:
		return nowMillis
	case Fields:
		return resolveSentinels(map[string]any(t), nowMillis)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = resolveSentinels(val, nowMillis)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolveSentinels(val, nowMillis)
		}
		return out
	default:
		return v
	}
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode filter value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	return Fields(cloneValue(map[string]any(f)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func merge(dst, src Fields) Fields {
	out := cloneFields(dst)
	if out == nil {
		out = Fields{}
	}
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

// compare orders two normalized values. ok is false when the types are not comparable.
func compare(a, b any) (result int, ok bool) {
	switch x := a.(type) {
	case float64:
		y, isNum := b.(float64)
		if !isNum {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, isBool := b.(bool)
		if !isBool || x != y {
			return 1, isBool
		}
		return 0, true
	}
	return 0, false
}

func (f Filter) matches(fields Fields) bool {
	v, present := fields[f.Field]
	if !present {
		return false
	}
	c, ok := compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return c == 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

func (q Query) normalized() (Query, error) {
	out := q
	out.Filters = make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		v, err := normalizeValue(f.Value)
		if err != nil {
			return Query{}, err
		}
		f.Value = v
		out.Filters[i] = f
	}
	return out, nil
}

// apply filters, orders and limits docs, which must be in the backend's natural order.
func (q Query) apply(docs []*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		keep := true
		for _, f := range q.Filters {
			if !f.matches(d.Fields) {
				keep = false
				break
			}
		}
		if keep && q.OrderBy != "" {
			_, keep = d.Fields[q.OrderBy]
		}
		if keep {
			out = append(out, d)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c, _ := compare(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
