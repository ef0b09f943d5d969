package types

import (
	"math"
	"strconv"
	"strings"
)

// Filterable attribute names.
const (
	AttrSymbol        = "symbol"
	AttrPatternType   = "pattern_type"
	AttrIndicatorType = "indicator_type"
	AttrTier          = "tier"
	AttrUrgency       = "urgency"
	AttrEventType     = "event_type"
	AttrTimeframe     = "timeframe"
	AttrSource        = "source"

	AttrConfidence = "confidence"
	AttrPrice      = "price"
	AttrVolume     = "volume"
	AttrChangePct  = "change_pct"
)

// AttributeKind says how an attribute is indexed and compared.
type AttributeKind int

const (
	KindUnknown AttributeKind = iota
	KindCategorical
	KindNumeric
)

var attributeKinds = map[string]AttributeKind{
	AttrSymbol:        KindCategorical,
	AttrPatternType:   KindCategorical,
	AttrIndicatorType: KindCategorical,
	AttrTier:          KindCategorical,
	AttrUrgency:       KindCategorical,
	AttrEventType:     KindCategorical,
	AttrTimeframe:     KindCategorical,
	AttrSource:        KindCategorical,

	AttrConfidence: KindNumeric,
	AttrPrice:      KindNumeric,
	AttrVolume:     KindNumeric,
	AttrChangePct:  KindNumeric,
}

// Closed value sets. Dimensions absent here accept any non-empty value.
var allowedValues = map[string]map[string]bool{
	AttrTier:    {"daily": true, "intraday": true, "combo": true},
	AttrUrgency: {"low": true, "medium": true, "high": true, "critical": true},
}

// KindOf returns the kind of a named attribute, KindUnknown when it is not
// part of the filterable schema.
func KindOf(attr string) AttributeKind {
	return attributeKinds[attr]
}

// NormalizeCategorical canonicalizes a categorical value: symbols are
// upper-cased, everything else lower-cased, surrounding space trimmed.
func NormalizeCategorical(attr, value string) string {
	value = strings.TrimSpace(value)
	if attr == AttrSymbol {
		return strings.ToUpper(value)
	}
	return strings.ToLower(value)
}

func validCategorical(attr, value string) bool {
	if value == "" {
		return false
	}
	if set, ok := allowedValues[attr]; ok {
		return set[value]
	}
	return true
}

// confidence is a probability; other numeric dimensions are unbounded.
func validNumeric(attr string, v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if attr == AttrConfidence {
		return v >= 0 && v <= 1
	}
	return true
}

// normalizeAttribute converts a decoded attribute value into its canonical
// form for the schema. Attributes outside the schema pass through untouched.
func normalizeAttribute(attr string, raw interface{}) (interface{}, error) {
	switch KindOf(attr) {
	case KindCategorical:
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			s = strconv.Itoa(v)
		case bool:
			s = strconv.FormatBool(v)
		default:
			return nil, &MalformedEventError{Field: attr, Reason: "expected a scalar value"}
		}
		return NormalizeCategorical(attr, s), nil
	case KindNumeric:
		var f float64
		switch v := raw.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, &MalformedEventError{Field: attr, Reason: "expected a number"}
			}
			f = parsed
		default:
			return nil, &MalformedEventError{Field: attr, Reason: "expected a number"}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &MalformedEventError{Field: attr, Reason: "number must be finite"}
		}
		return f, nil
	default:
		return raw, nil
	}
}
