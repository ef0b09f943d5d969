package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Predicate is one constraint on one attribute. The set of predicate kinds is
// closed: SetPredicate, ThresholdPredicate and RangePredicate.
type Predicate interface {
	Attribute() string
	Evaluate(value interface{}, present bool) bool
	validate() error
}

// NumericPredicate is a predicate over a numeric dimension. Bounds are
// inclusive; an open side is reported as an infinity.
type NumericPredicate interface {
	Predicate
	Bounds() (lo, hi float64)
}

// SetPredicate matches when the attribute equals one of Values.
type SetPredicate struct {
	Attr   string
	Values []string
}

func (p SetPredicate) Attribute() string { return p.Attr }

func (p SetPredicate) Evaluate(value interface{}, present bool) bool {
	if !present {
		return false
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, v := range p.Values {
		if v == s {
			return true
		}
	}
	return false
}

func (p SetPredicate) validate() error {
	if KindOf(p.Attr) != KindCategorical {
		return unknownAttribute(p.Attr, "set")
	}
	if len(p.Values) == 0 {
		return &InvalidFilterError{Attribute: p.Attr, Reason: "value set is empty"}
	}
	for _, v := range p.Values {
		if !validCategorical(p.Attr, v) {
			return &InvalidFilterError{Attribute: p.Attr, Reason: fmt.Sprintf("value %q is not allowed", v)}
		}
	}
	return nil
}

// ThresholdOp selects the side a ThresholdPredicate bounds.
type ThresholdOp string

const (
	ThresholdMin ThresholdOp = "min"
	ThresholdMax ThresholdOp = "max"
)

// ThresholdPredicate matches value >= Bound (ThresholdMin) or value <= Bound
// (ThresholdMax). min_confidence is a ThresholdMin on confidence.
type ThresholdPredicate struct {
	Attr  string
	Op    ThresholdOp
	Bound float64
}

func (p ThresholdPredicate) Attribute() string { return p.Attr }

func (p ThresholdPredicate) Bounds() (float64, float64) {
	if p.Op == ThresholdMax {
		return math.Inf(-1), p.Bound
	}
	return p.Bound, math.Inf(1)
}

func (p ThresholdPredicate) Evaluate(value interface{}, present bool) bool {
	return evaluateNumeric(p, value, present)
}

func (p ThresholdPredicate) validate() error {
	if KindOf(p.Attr) != KindNumeric {
		return unknownAttribute(p.Attr, "threshold")
	}
	if p.Op != ThresholdMin && p.Op != ThresholdMax {
		return &InvalidFilterError{Attribute: p.Attr, Reason: fmt.Sprintf("unknown threshold operator %q", p.Op)}
	}
	if !validNumeric(p.Attr, p.Bound) {
		return &InvalidFilterError{Attribute: p.Attr, Reason: fmt.Sprintf("bound %v is out of range", p.Bound)}
	}
	return nil
}

// RangePredicate matches Min <= value <= Max.
type RangePredicate struct {
	Attr string
	Min  float64
	Max  float64
}

func (p RangePredicate) Attribute() string { return p.Attr }

func (p RangePredicate) Bounds() (float64, float64) { return p.Min, p.Max }

func (p RangePredicate) Evaluate(value interface{}, present bool) bool {
	return evaluateNumeric(p, value, present)
}

func (p RangePredicate) validate() error {
	if KindOf(p.Attr) != KindNumeric {
		return unknownAttribute(p.Attr, "range")
	}
	if !validNumeric(p.Attr, p.Min) || !validNumeric(p.Attr, p.Max) {
		return &InvalidFilterError{Attribute: p.Attr, Reason: "range bounds are out of range"}
	}
	if p.Min > p.Max {
		return &InvalidFilterError{Attribute: p.Attr, Reason: fmt.Sprintf("min %v is greater than max %v", p.Min, p.Max)}
	}
	return nil
}

func evaluateNumeric(p NumericPredicate, value interface{}, present bool) bool {
	if !present {
		return false
	}
	f, ok := value.(float64)
	if !ok {
		return false
	}
	lo, hi := p.Bounds()
	return f >= lo && f <= hi
}

func unknownAttribute(attr, kind string) error {
	if KindOf(attr) == KindUnknown {
		return &InvalidFilterError{Attribute: attr, Reason: "unknown attribute"}
	}
	return &InvalidFilterError{Attribute: attr, Reason: fmt.Sprintf("%s predicate does not apply to this attribute", kind)}
}

// Filter is a conjunction of predicates. The zero Filter has no predicates
// and matches every event.
type Filter struct {
	predicates []Predicate
}

// NewFilter validates and canonicalizes predicates into a Filter.
func NewFilter(predicates ...Predicate) (Filter, error) {
	out := make([]Predicate, 0, len(predicates))
	for _, p := range predicates {
		if p == nil {
			return Filter{}, &InvalidFilterError{Reason: "nil predicate"}
		}
		if set, ok := p.(SetPredicate); ok {
			p = canonicalSet(set)
		}
		if err := p.validate(); err != nil {
			return Filter{}, err
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Attribute() < out[j].Attribute()
	})
	return Filter{predicates: out}, nil
}

// MustFilter is NewFilter for statically known filters. It panics on error.
func MustFilter(predicates ...Predicate) Filter {
	f, err := NewFilter(predicates...)
	if err != nil {
		panic(err)
	}
	return f
}

func canonicalSet(p SetPredicate) SetPredicate {
	seen := make(map[string]bool, len(p.Values))
	values := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		v = NormalizeCategorical(p.Attr, v)
		if seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	sort.Strings(values)
	return SetPredicate{Attr: p.Attr, Values: values}
}

// Validate re-checks every predicate.
func (f Filter) Validate() error {
	for _, p := range f.predicates {
		if p == nil {
			return &InvalidFilterError{Reason: "nil predicate"}
		}
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Predicates returns a copy of the filter's predicates in attribute order.
func (f Filter) Predicates() []Predicate {
	out := make([]Predicate, len(f.predicates))
	copy(out, f.predicates)
	return out
}

// IsEmpty reports whether the filter matches everything.
func (f Filter) IsEmpty() bool { return len(f.predicates) == 0 }

// Attributes returns the distinct attributes the filter constrains.
func (f Filter) Attributes() []string {
	var attrs []string
	for i, p := range f.predicates {
		if i > 0 && f.predicates[i-1].Attribute() == p.Attribute() {
			continue
		}
		attrs = append(attrs, p.Attribute())
	}
	return attrs
}

// Matches evaluates every predicate against the event. An attribute the
// event does not carry fails any predicate on it.
func (f Filter) Matches(e *Event) bool {
	for _, p := range f.predicates {
		v, ok := e.Value(p.Attribute())
		if !p.Evaluate(v, ok) {
			return false
		}
	}
	return true
}

// Spec renders the filter in the JSON shape accepted by ParseFilter.
func (f Filter) Spec() map[string]interface{} {
	spec := make(map[string]interface{}, len(f.predicates))
	for _, p := range f.predicates {
		switch pred := p.(type) {
		case SetPredicate:
			values := make([]string, len(pred.Values))
			copy(values, pred.Values)
			spec[pred.Attr] = values
		case ThresholdPredicate:
			spec[string(pred.Op)+"_"+pred.Attr] = pred.Bound
		case RangePredicate:
			spec[pred.Attr] = map[string]float64{"min": pred.Min, "max": pred.Max}
		}
	}
	return spec
}

func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Spec())
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFilterJSON(data)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFilterJSON parses a JSON filter document. null and {} yield the empty filter.
func ParseFilterJSON(data []byte) (Filter, error) {
	if len(data) == 0 || string(data) == "null" {
		return Filter{}, nil
	}
	var spec map[string]interface{}
	if err := json.Unmarshal(data, &spec); err != nil {
		return Filter{}, &InvalidFilterError{Reason: "filter must be a JSON object"}
	}
	return ParseFilter(spec)
}

// ParseFilter builds a Filter from its map form:
//
//	{"symbol": ["AAPL", "MSFT"], "tier": "daily", "min_confidence": 0.7,
//	 "price": {"min": 10, "max": 50}}
//
// Categorical attributes take a string or a list of strings. Numeric
// attributes take min_<attr>/max_<attr> thresholds or a {"min","max"} object.
func ParseFilter(spec map[string]interface{}) (Filter, error) {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	predicates := make([]Predicate, 0, len(spec))
	for _, key := range keys {
		p, err := parsePredicate(key, spec[key])
		if err != nil {
			return Filter{}, err
		}
		predicates = append(predicates, p)
	}
	return NewFilter(predicates...)
}

func parsePredicate(key string, raw interface{}) (Predicate, error) {
	if op, attr, ok := splitThresholdKey(key); ok {
		bound, ok := toFloat(raw)
		if !ok {
			return nil, &InvalidFilterError{Attribute: attr, Reason: key + " must be a number"}
		}
		return ThresholdPredicate{Attr: attr, Op: op, Bound: bound}, nil
	}

	switch KindOf(key) {
	case KindCategorical:
		values, ok := toStrings(raw)
		if !ok {
			return nil, &InvalidFilterError{Attribute: key, Reason: "expected a string or a list of strings"}
		}
		return SetPredicate{Attr: key, Values: values}, nil
	case KindNumeric:
		bounds, ok := raw.(map[string]interface{})
		if !ok {
			return nil, &InvalidFilterError{Attribute: key, Reason: `expected {"min": n, "max": n}`}
		}
		lo, hasLo := toFloat(bounds["min"])
		hi, hasHi := toFloat(bounds["max"])
		switch {
		case hasLo && hasHi:
			return RangePredicate{Attr: key, Min: lo, Max: hi}, nil
		case hasLo:
			return ThresholdPredicate{Attr: key, Op: ThresholdMin, Bound: lo}, nil
		case hasHi:
			return ThresholdPredicate{Attr: key, Op: ThresholdMax, Bound: hi}, nil
		default:
			return nil, &InvalidFilterError{Attribute: key, Reason: "range needs min or max"}
		}
	default:
		return nil, &InvalidFilterError{Attribute: key, Reason: "unknown attribute"}
	}
}

func splitThresholdKey(key string) (ThresholdOp, string, bool) {
	for _, op := range []ThresholdOp{ThresholdMin, ThresholdMax} {
		prefix := string(op) + "_"
		if strings.HasPrefix(key, prefix) && KindOf(strings.TrimPrefix(key, prefix)) == KindNumeric {
			return op, strings.TrimPrefix(key, prefix), true
		}
	}
	return "", "", false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStrings(v interface{}) ([]string, bool) {
	switch vals := v.(type) {
	case string:
		return []string{vals}, true
	case []string:
		return vals, true
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
