package segmentation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Fragment is one compiled predicate plus its own ordered bound parameters.
// Placeholders are written as ? and renumbered to $n when the assembler
// concatenates fragments, so parameter order can never drift from predicate
// order.
type Fragment struct {
	SQL  string
	Args []interface{}
}

// Compiler translates one rule condition into a predicate fragment. Dispatch
// is a switch over the field's typed kind with a case per kind; a field or
// operator the compiler cannot translate is a hard error, never a silently
// omitted predicate. Derived score fields are delegated to the score engine,
// which resolves the matching id set up front.
type Compiler struct {
	scores *ScoreEngine
}

// NewCompiler creates a compiler that uses the given score engine for
// derived fields.
func NewCompiler(scores *ScoreEngine) *Compiler {
	return &Compiler{scores: scores}
}

// Compile builds the predicate fragment for a single condition, scoped to
// the given community for derived-field population queries.
func (c *Compiler) Compile(ctx context.Context, communityID uuid.UUID, cond Condition) (Fragment, error) {
	spec, ok := lookupField(cond.Field)
	if !ok {
		return Fragment{}, fmt.Errorf("compile condition: unknown field %q", cond.Field)
	}
	if !spec.allowsOperator(cond.Operator) {
		return Fragment{}, fmt.Errorf("compile condition: operator %q not allowed for field %q", cond.Operator, cond.Field)
	}

	switch spec.desc.Kind {
	case KindString:
		return c.compileString(spec, cond)
	case KindNumber:
		return c.compileNumeric(spec, cond)
	case KindDate:
		return c.compileDate(spec, cond)
	case KindBoolean:
		return c.compileBoolean(spec, cond)
	case KindSelect:
		return c.compileSelect(spec, cond)
	case KindMembership:
		return c.compileMembership(spec, cond)
	case KindGeo:
		return c.compileGeo(cond)
	case KindDerived:
		return c.compileDerived(ctx, communityID, spec, cond)
	default:
		return Fragment{}, fmt.Errorf("compile condition: unhandled field kind %s", spec.desc.Kind)
	}
}

func (c *Compiler) compileString(spec fieldSpec, cond Condition) (Fragment, error) {
	col := spec.column
	switch cond.Operator {
	case OpIsEmpty:
		return Fragment{SQL: fmt.Sprintf("(%s IS NULL OR %s = '')", col, col)}, nil
	case OpIsNotEmpty:
		return Fragment{SQL: fmt.Sprintf("(%s IS NOT NULL AND %s != '')", col, col)}, nil
	}

	s, ok := cond.Value.AsString()
	if !ok {
		return Fragment{}, fmt.Errorf("compile %s: value is required", cond.Field)
	}
	switch cond.Operator {
	case OpEquals:
		return Fragment{SQL: col + " = ?", Args: []interface{}{s}}, nil
	case OpNotEquals:
		return Fragment{SQL: col + " != ?", Args: []interface{}{s}}, nil
	case OpContains:
		return Fragment{SQL: col + " ILIKE ?", Args: []interface{}{"%" + s + "%"}}, nil
	case OpStartsWith:
		return Fragment{SQL: col + " ILIKE ?", Args: []interface{}{s + "%"}}, nil
	default:
		return Fragment{}, fmt.Errorf("compile %s: unsupported string operator %q", cond.Field, cond.Operator)
	}
}

func (c *Compiler) compileNumeric(spec fieldSpec, cond Condition) (Fragment, error) {
	expr := spec.expr
	if cond.Operator == OpBetween {
		minV, maxV, ok := cond.Value.AsRange()
		if !ok {
			return Fragment{}, fmt.Errorf("compile %s: between requires a {min,max} range", cond.Field)
		}
		minF, okMin := minV.AsFloat()
		maxF, okMax := maxV.AsFloat()
		if !okMin || !okMax {
			return Fragment{}, fmt.Errorf("compile %s: range bounds must be numeric", cond.Field)
		}
		return Fragment{SQL: expr + " BETWEEN ? AND ?", Args: []interface{}{minF, maxF}}, nil
	}

	f, ok := cond.Value.AsFloat()
	if !ok {
		return Fragment{}, fmt.Errorf("compile %s: value must be numeric", cond.Field)
	}
	op, err := numericSQLOp(cond.Operator)
	if err != nil {
		return Fragment{}, fmt.Errorf("compile %s: %w", cond.Field, err)
	}
	return Fragment{SQL: expr + " " + op + " ?", Args: []interface{}{f}}, nil
}

func numericSQLOp(op Operator) (string, error) {
	switch op {
	case OpEquals:
		return "=", nil
	case OpGreaterThan:
		return ">", nil
	case OpLessThan:
		return "<", nil
	case OpAtLeast:
		return ">=", nil
	case OpAtMost:
		return "<=", nil
	default:
		return "", fmt.Errorf("unsupported numeric operator %q", op)
	}
}

func (c *Compiler) compileDate(spec fieldSpec, cond Condition) (Fragment, error) {
	col := spec.column
	switch cond.Operator {
	case OpEquals:
		// Validated upstream: equals on a date field is the literal "never".
		if s, ok := cond.Value.AsString(); !ok || s != "never" {
			return Fragment{}, fmt.Errorf(`compile %s: equals only accepts "never"`, cond.Field)
		}
		return Fragment{SQL: col + " IS NULL"}, nil
	case OpOlderThanDays:
		days, ok := cond.Value.AsFloat()
		if !ok {
			return Fragment{}, fmt.Errorf("compile %s: value must be a number of days", cond.Field)
		}
		return Fragment{SQL: col + " < NOW() - make_interval(days => ?)", Args: []interface{}{int(days)}}, nil
	case OpNewerThanDays:
		days, ok := cond.Value.AsFloat()
		if !ok {
			return Fragment{}, fmt.Errorf("compile %s: value must be a number of days", cond.Field)
		}
		return Fragment{SQL: col + " >= NOW() - make_interval(days => ?)", Args: []interface{}{int(days)}}, nil
	case OpBefore:
		t, ok := cond.Value.AsTime()
		if !ok {
			return Fragment{}, fmt.Errorf("compile %s: value must be a date", cond.Field)
		}
		return Fragment{SQL: col + " < ?", Args: []interface{}{t}}, nil
	case OpAfter:
		t, ok := cond.Value.AsTime()
		if !ok {
			return Fragment{}, fmt.Errorf("compile %s: value must be a date", cond.Field)
		}
		return Fragment{SQL: col + " > ?", Args: []interface{}{t}}, nil
	case OpBetween:
		minV, maxV, ok := cond.Value.AsRange()
		if !ok {
			return Fragment{}, fmt.Errorf("compile %s: between requires a {min,max} range", cond.Field)
		}
		minT, okMin := minV.AsTime()
		maxT, okMax := maxV.AsTime()
		if !okMin || !okMax {
			return Fragment{}, fmt.Errorf("compile %s: range bounds must be dates", cond.Field)
		}
		return Fragment{SQL: col + " BETWEEN ? AND ?", Args: []interface{}{minT, maxT}}, nil
	default:
		return Fragment{}, fmt.Errorf("compile %s: unsupported date operator %q", cond.Field, cond.Operator)
	}
}

func (c *Compiler) compileBoolean(spec fieldSpec, cond Condition) (Fragment, error) {
	b, ok := cond.Value.AsBool()
	if !ok {
		return Fragment{}, fmt.Errorf("compile %s: value must be a boolean", cond.Field)
	}
	if b {
		return Fragment{SQL: spec.expr + " > 0"}, nil
	}
	return Fragment{SQL: spec.expr + " = 0"}, nil
}

func (c *Compiler) compileSelect(spec fieldSpec, cond Condition) (Fragment, error) {
	s, ok := cond.Value.AsString()
	if !ok {
		return Fragment{}, fmt.Errorf("compile %s: value is required", cond.Field)
	}
	switch cond.Operator {
	case OpEquals:
		return Fragment{SQL: spec.column + " = ?", Args: []interface{}{s}}, nil
	case OpNotEquals:
		return Fragment{SQL: spec.column + " != ?", Args: []interface{}{s}}, nil
	default:
		return Fragment{}, fmt.Errorf("compile %s: unsupported select operator %q", cond.Field, cond.Operator)
	}
}

// compileMembership handles the two set-membership shapes: fields backed by
// a column match the id set directly, the group field goes through the join
// relation.
func (c *Compiler) compileMembership(spec fieldSpec, cond Condition) (Fragment, error) {
	ids, ok := cond.Value.AsList()
	if !ok || len(ids) == 0 {
		return Fragment{}, fmt.Errorf("compile %s: value must be an id or a list of ids", cond.Field)
	}

	test := spec.column + " = ANY(?)"
	if spec.column == "" {
		test = `EXISTS (SELECT 1 FROM group_members gm WHERE gm.user_id = u.id AND gm.group_id = ANY(?))`
	}
	switch cond.Operator {
	case OpMemberOf:
		return Fragment{SQL: test, Args: []interface{}{pq.Array(ids)}}, nil
	case OpNotMemberOf:
		return Fragment{SQL: "NOT " + test, Args: []interface{}{pq.Array(ids)}}, nil
	default:
		return Fragment{}, fmt.Errorf("compile %s: unsupported membership operator %q", cond.Field, cond.Operator)
	}
}

// compileGeo builds a haversine great-circle distance predicate. Members
// without stored coordinates never match, whatever the radius.
func (c *Compiler) compileGeo(cond Condition) (Fragment, error) {
	if cond.Operator != OpWithinRadius {
		return Fragment{}, fmt.Errorf("compile %s: unsupported geo operator %q", cond.Field, cond.Operator)
	}
	lat, lon, radius, ok := cond.Value.AsGeo()
	if !ok {
		return Fragment{}, fmt.Errorf("compile %s: value must be {lat, lon, radius_km}", cond.Field)
	}
	sql := strings.Join([]string{
		"(u.latitude IS NOT NULL AND u.longitude IS NOT NULL",
		"AND 6371 * acos(LEAST(1.0,",
		"cos(radians(?)) * cos(radians(u.latitude)) * cos(radians(u.longitude) - radians(?))",
		"+ sin(radians(?)) * sin(radians(u.latitude)))) <= ?)",
	}, " ")
	return Fragment{SQL: sql, Args: []interface{}{lat, lon, lat, radius}}, nil
}

// compileDerived asks the score engine for the matching member ids and binds
// them as an id-set predicate.
func (c *Compiler) compileDerived(ctx context.Context, communityID uuid.UUID, spec fieldSpec, cond Condition) (Fragment, error) {
	value, ok := cond.Value.AsString()
	if !ok {
		return Fragment{}, fmt.Errorf("compile %s: value is required", cond.Field)
	}
	if !spec.allowsOption(value) {
		return Fragment{}, fmt.Errorf("compile %s: %q is not a valid option", cond.Field, value)
	}

	var (
		ids []uuid.UUID
		err error
	)
	switch spec.derived {
	case derivedActivityLevel:
		ids, err = c.scores.ActivityMembers(ctx, communityID, ActivityLevel(value))
	case derivedCommunityRank:
		ids, err = c.scores.RankMembers(ctx, communityID, RankBucket(value))
	case derivedEmailEngagement:
		ids, err = c.scores.EngagementMembers(ctx, communityID, EngagementLevel(value))
	default:
		return Fragment{}, fmt.Errorf("compile %s: unhandled derived field", cond.Field)
	}
	if err != nil {
		return Fragment{}, fmt.Errorf("compile %s: %w", cond.Field, err)
	}

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}
	frag := Fragment{SQL: "u.id = ANY(?)", Args: []interface{}{pq.Array(idStrings)}}
	if cond.Operator == OpNotEquals {
		frag.SQL = "NOT (" + frag.SQL + ")"
	}
	return frag, nil
}
