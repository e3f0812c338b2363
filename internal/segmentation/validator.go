package segmentation

import "fmt"

// knownOperators is the full operator vocabulary, independent of any field.
// "operator unknown" and "operator not legal for this field" are reported as
// distinct reasons.
var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpStartsWith: true,
	OpIsEmpty: true, OpIsNotEmpty: true,
	OpOlderThanDays: true, OpNewerThanDays: true, OpBefore: true, OpAfter: true, OpBetween: true,
	OpGreaterThan: true, OpLessThan: true, OpAtLeast: true, OpAtMost: true,
	OpMemberOf: true, OpNotMemberOf: true,
	OpWithinRadius: true,
}

// Validate checks a rule set against the field registry before it may be
// saved or previewed. Pure; touches no storage. Checks run per condition in
// position order and fail fast, so the reported condition is always the first
// offender.
func Validate(rules RuleSet) error {
	if rules.Match != MatchAll && rules.Match != MatchAny {
		return &ValidationError{Reason: fmt.Sprintf("unknown match type %q", rules.Match)}
	}
	if len(rules.Conditions) == 0 {
		return &ValidationError{Reason: "at least one condition is required"}
	}

	for i, cond := range rules.Conditions {
		if err := validateCondition(cond); err != nil {
			err.Position = i + 1
			err.Field = cond.Field
			return err
		}
	}
	return nil
}

func validateCondition(cond Condition) *ValidationError {
	spec, ok := lookupField(cond.Field)
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("unknown field %q", cond.Field)}
	}
	if !knownOperators[cond.Operator] {
		return &ValidationError{Reason: fmt.Sprintf("unknown operator %q", cond.Operator)}
	}
	if !spec.allowsOperator(cond.Operator) {
		return &ValidationError{Reason: fmt.Sprintf("operator %q is not allowed for field %q", cond.Operator, cond.Field)}
	}

	switch spec.desc.Kind {
	case KindString:
		return validateStringValue(cond)
	case KindNumber:
		return validateNumericValue(spec, cond)
	case KindDate:
		return validateDateValue(spec, cond)
	case KindBoolean:
		if _, ok := cond.Value.AsBool(); !ok {
			return &ValidationError{Reason: "value must be a boolean (1/0 or true/false)"}
		}
	case KindSelect, KindDerived:
		s, ok := cond.Value.AsString()
		if !ok {
			return &ValidationError{Reason: "value is required"}
		}
		if !spec.allowsOption(s) {
			return &ValidationError{Reason: fmt.Sprintf("%q is not a valid option for field %q", s, cond.Field)}
		}
	case KindMembership:
		list, ok := cond.Value.AsList()
		if !ok || len(list) == 0 {
			return &ValidationError{Reason: "value must be an id or a list of ids"}
		}
	case KindGeo:
		lat, lon, radius, ok := cond.Value.AsGeo()
		if !ok {
			return &ValidationError{Reason: "value must be an object with lat, lon and radius_km"}
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return &ValidationError{Reason: "reference point is outside valid coordinates"}
		}
		if radius <= 0 {
			return &ValidationError{Reason: "radius_km must be positive"}
		}
	}
	return nil
}

func validateStringValue(cond Condition) *ValidationError {
	switch cond.Operator {
	case OpIsEmpty, OpIsNotEmpty:
		return nil // no value required
	}
	if _, ok := cond.Value.AsString(); !ok {
		return &ValidationError{Reason: "value is required"}
	}
	return nil
}

func validateNumericValue(spec fieldSpec, cond Condition) *ValidationError {
	if cond.Operator == OpBetween {
		minV, maxV, ok := cond.Value.AsRange()
		if !ok {
			return &ValidationError{Reason: "between requires a {min,max} range"}
		}
		minF, okMin := minV.AsFloat()
		maxF, okMax := maxV.AsFloat()
		if !okMin || !okMax {
			return &ValidationError{Reason: "range bounds must be numeric"}
		}
		if minF > maxF {
			return &ValidationError{Reason: "range min must not exceed max"}
		}
		if spec.percent && (minF < 0 || maxF > 100) {
			return &ValidationError{Reason: "percentage values must be between 0 and 100"}
		}
		return nil
	}

	f, ok := cond.Value.AsFloat()
	if !ok {
		return &ValidationError{Reason: "value must be numeric"}
	}
	if spec.percent && (f < 0 || f > 100) {
		return &ValidationError{Reason: "percentage values must be between 0 and 100"}
	}
	return nil
}

func validateDateValue(spec fieldSpec, cond Condition) *ValidationError {
	switch cond.Operator {
	case OpEquals:
		// Only last_login supports equals, and only as the literal "never".
		if s, ok := cond.Value.AsString(); !ok || s != "never" {
			return &ValidationError{Reason: `equals on a date field only accepts the literal "never"`}
		}
	case OpOlderThanDays, OpNewerThanDays:
		if _, ok := cond.Value.AsFloat(); !ok {
			return &ValidationError{Reason: "value must be a number of days"}
		}
	case OpBefore, OpAfter:
		if _, ok := cond.Value.AsTime(); !ok {
			return &ValidationError{Reason: "value must be a date (YYYY-MM-DD or RFC 3339)"}
		}
	case OpBetween:
		minV, maxV, ok := cond.Value.AsRange()
		if !ok {
			return &ValidationError{Reason: "between requires a {min,max} range"}
		}
		minT, okMin := minV.AsTime()
		maxT, okMax := maxV.AsTime()
		if !okMin || !okMax {
			return &ValidationError{Reason: "range bounds must be dates (YYYY-MM-DD or RFC 3339)"}
		}
		if minT.After(maxT) {
			return &ValidationError{Reason: "range min must not exceed max"}
		}
	}
	return nil
}
