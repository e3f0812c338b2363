// Package segmentation implements the audience segmentation engine for the
// community platform: a declarative rule tree describing "which members" is
// validated against a static field registry, compiled into SQL predicate
// fragments (including derived activity/rank/engagement scores computed on
// demand), and executed against tenant-scoped member data.
package segmentation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a comparison operator in a rule condition.
type Operator string

const (
	// String operators
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpIsEmpty    Operator = "is_empty"
	OpIsNotEmpty Operator = "is_not_empty"

	// Date operators, evaluated relative to NOW() at call time
	OpOlderThanDays Operator = "older_than_days"
	OpNewerThanDays Operator = "newer_than_days"
	OpBefore        Operator = "before"
	OpAfter         Operator = "after"
	OpBetween       Operator = "between"

	// Numeric operators
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpAtLeast     Operator = "at_least"
	OpAtMost      Operator = "at_most"

	// Set membership
	OpMemberOf    Operator = "member_of"
	OpNotMemberOf Operator = "not_member_of"

	// Geo
	OpWithinRadius Operator = "within_radius"
)

// ==========================================
// MATCH TYPES
// ==========================================

// MatchType controls how condition predicates combine.
type MatchType string

const (
	MatchAll MatchType = "all"
	MatchAny MatchType = "any"
)

// ==========================================
// RULE SET
// ==========================================

// RuleSet is the declarative rule tree defining a segment. Conditions are a
// flat list combined by Match; there are no nested groups.
type RuleSet struct {
	Match      MatchType   `json:"match"`
	Conditions []Condition `json:"conditions"`
}

// Condition is one field/operator/value clause within a RuleSet.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value,omitempty"`
}

// ==========================================
// CONDITION VALUES
// ==========================================

// Value holds a condition's raw JSON value. Depending on the field and
// operator it is a scalar (string or number), a list, a {min,max} range, or a
// {lat,lon,radius_km} reference point. Accessors coerce where reasonable
// (e.g. a numeric threshold may arrive as 30 or "30").
type Value struct {
	raw json.RawMessage
}

// NewValue builds a Value from any JSON-marshalable Go value. Intended for
// constructing rule sets in code (seed segments, tests).
func NewValue(v interface{}) Value {
	raw, _ := json.Marshal(v)
	return Value{raw: raw}
}

// UnmarshalJSON captures the raw value for later typed access.
func (v *Value) UnmarshalJSON(b []byte) error {
	v.raw = append([]byte(nil), b...)
	return nil
}

// MarshalJSON writes the value back out exactly as it arrived.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// IsZero reports whether no value was supplied.
func (v Value) IsZero() bool {
	return len(v.raw) == 0 || string(v.raw) == "null"
}

// AsString returns the value as a string. Numbers and booleans are rendered
// in their literal form.
func (v Value) AsString() (string, bool) {
	if v.IsZero() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return s, true
	}
	var f float64
	if err := json.Unmarshal(v.raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	var b bool
	if err := json.Unmarshal(v.raw, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}

// AsFloat returns the value as a number, accepting JSON numbers and numeric
// strings.
func (v Value) AsFloat() (float64, bool) {
	if v.IsZero() {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v.raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// AsBool returns the value as a boolean, accepting true/false, "true"/"false"
// and "1"/"0".
func (v Value) AsBool() (bool, bool) {
	if v.IsZero() {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(v.raw, &b); err == nil {
		return b, true
	}
	s, ok := v.AsString()
	if !ok {
		return false, false
	}
	switch strings.TrimSpace(s) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	}
	return false, false
}

// AsList returns the value as a list of strings. A scalar is treated as a
// one-element list so `member_of` accepts a single id without array syntax.
func (v Value) AsList() ([]string, bool) {
	if v.IsZero() {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v.raw, &items); err == nil {
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := Value{raw: item}.AsString()
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	if s, ok := v.AsString(); ok {
		return []string{s}, true
	}
	return nil, false
}

// AsRange returns the value as a {min,max} pair.
func (v Value) AsRange() (min, max Value, ok bool) {
	if v.IsZero() {
		return Value{}, Value{}, false
	}
	var r struct {
		Min *json.RawMessage `json:"min"`
		Max *json.RawMessage `json:"max"`
	}
	if err := json.Unmarshal(v.raw, &r); err != nil || r.Min == nil || r.Max == nil {
		return Value{}, Value{}, false
	}
	return Value{raw: *r.Min}, Value{raw: *r.Max}, true
}

// AsGeo returns the value as a geo reference point with a radius in km.
func (v Value) AsGeo() (lat, lon, radiusKm float64, ok bool) {
	if v.IsZero() {
		return 0, 0, 0, false
	}
	var g struct {
		Lat      *float64 `json:"lat"`
		Lon      *float64 `json:"lon"`
		RadiusKm *float64 `json:"radius_km"`
	}
	if err := json.Unmarshal(v.raw, &g); err != nil || g.Lat == nil || g.Lon == nil || g.RadiusKm == nil {
		return 0, 0, 0, false
	}
	return *g.Lat, *g.Lon, *g.RadiusKm, true
}

// dateLayouts accepted for before/after/between date values.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

// AsTime returns the value as a timestamp, accepting YYYY-MM-DD or RFC 3339.
func (v Value) AsTime() (time.Time, bool) {
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ==========================================
// FIELD KINDS
// ==========================================

// FieldKind is the typed discriminator for registry fields. The condition
// compiler switches over it exhaustively, so an unregistered field can never
// silently produce an empty predicate.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindDate
	KindBoolean
	KindSelect
	KindGeo
	KindMembership
	KindDerived
)

var fieldKindNames = map[FieldKind]string{
	KindString:     "string",
	KindNumber:     "number",
	KindDate:       "date",
	KindBoolean:    "boolean",
	KindSelect:     "select",
	KindGeo:        "geo",
	KindMembership: "membership",
	KindDerived:    "derived",
}

func (k FieldKind) String() string {
	if name, ok := fieldKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// MarshalJSON renders the kind as its registry-export name.
func (k FieldKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// FieldDescriptor is the registry export for one segmentable field: enough
// for a presentation layer to render a rule builder.
type FieldDescriptor struct {
	Field     string     `json:"field"`
	Label     string     `json:"label"`
	Kind      FieldKind  `json:"type"`
	Operators []Operator `json:"allowed_operators"`
	Options   []string   `json:"options,omitempty"`
}

// ==========================================
// SEGMENTS
// ==========================================

// Segment is a named, reusable rule set owned by a community.
type Segment struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	CommunityID uuid.UUID  `json:"community_id" db:"community_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	Rules       RuleSet    `json:"rules"`
	Active      bool       `json:"active" db:"active"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// SegmentPatch holds the updatable fields of a segment. Nil pointers leave
// the current value untouched.
type SegmentPatch struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Rules       *RuleSet `json:"rules,omitempty"`
	Active      *bool    `json:"active,omitempty"`
}

// AudienceMember is the minimal member representation handed to the dispatch
// pipeline: a stable identifier plus display fields.
type AudienceMember struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
}

// ==========================================
// DERIVED SCORE LEVELS
// ==========================================

// ActivityLevel buckets members by login recency.
type ActivityLevel string

const (
	ActivityHigh      ActivityLevel = "high"
	ActivityMedium    ActivityLevel = "medium"
	ActivityLow       ActivityLevel = "low"
	ActivityReturning ActivityLevel = "returning"
)

// RankBucket buckets members by percentile of their composite community score.
type RankBucket string

const (
	RankTop10    RankBucket = "top_10"
	RankTop25    RankBucket = "top_25"
	RankTop50    RankBucket = "top_50"
	RankBottom25 RankBucket = "bottom_25"
)

// EngagementLevel buckets members by newsletter open/click behaviour.
type EngagementLevel string

const (
	EngagementNoNewsletters EngagementLevel = "no_newsletters"
	EngagementNeverOpened   EngagementLevel = "never_opened"
	EngagementDormant       EngagementLevel = "dormant"
	EngagementPassive       EngagementLevel = "passive"
	EngagementEngaged       EngagementLevel = "engaged"
	EngagementHighlyEngaged EngagementLevel = "highly_engaged"
)

// ==========================================
// ERRORS
// ==========================================

// ValidationError reports the first structurally invalid condition in a rule
// set. Position is 1-based so UIs can highlight the exact clause; position 0
// marks a rule-set-level problem (bad match type, empty condition list).
type ValidationError struct {
	Position int    `json:"position"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Position == 0 {
		return fmt.Sprintf("invalid rule set: %s", e.Reason)
	}
	return fmt.Sprintf("condition #%d (%s): %s", e.Position, e.Field, e.Reason)
}
