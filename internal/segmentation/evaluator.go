package segmentation

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Engine evaluates segment rules against the member base. Every query it
// issues is scoped by the community id and the approved-status filter before
// any rule predicate is considered, for both match modes.
type Engine struct {
	db       *sql.DB
	compiler *Compiler
	store    *Store
}

// NewEngine wires an evaluator, its compiler and the segment store over a
// shared database handle.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		db:       db,
		compiler: NewCompiler(NewScoreEngine(db)),
		store:    NewStore(db),
	}
}

// Store returns the segment store sharing this engine's database handle.
func (e *Engine) Store() *Store {
	return e.store
}

const audienceSelect = `SELECT u.id, u.email, COALESCE(u.first_name, ''), COALESCE(u.last_name, '') FROM users u WHERE `

// Resolve returns every member of the community matching the rules, ordered
// by member id so repeated evaluations of unchanged data page consistently.
func (e *Engine) Resolve(ctx context.Context, communityID uuid.UUID, rules RuleSet) ([]AudienceMember, error) {
	where, args, err := e.assemble(ctx, communityID, rules)
	if err != nil {
		return nil, err
	}

	query := audienceSelect + where + ` ORDER BY u.id`
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	defer rows.Close()

	members := []AudienceMember{}
	for rows.Next() {
		var m AudienceMember
		if err := rows.Scan(&m.ID, &m.Email, &m.FirstName, &m.LastName); err != nil {
			return nil, fmt.Errorf("scan audience member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Count returns the audience size without loading members. A failed count is
// an error, never a silent zero.
func (e *Engine) Count(ctx context.Context, communityID uuid.UUID, rules RuleSet) (int, error) {
	where, args, err := e.assemble(ctx, communityID, rules)
	if err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM users u WHERE ` + where
	var count int
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audience: %w", err)
	}
	return count, nil
}

// Preview returns the audience count plus the first limit members, for rule
// builders that show a sample before saving.
func (e *Engine) Preview(ctx context.Context, communityID uuid.UUID, rules RuleSet, limit int) (int, []AudienceMember, error) {
	count, err := e.Count(ctx, communityID, rules)
	if err != nil {
		return 0, nil, err
	}

	where, args, err := e.assemble(ctx, communityID, rules)
	if err != nil {
		return 0, nil, err
	}
	args = append(args, limit)
	query := audienceSelect + where + ` ORDER BY u.id LIMIT $` + strconv.Itoa(len(args))

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("preview audience: %w", err)
	}
	defer rows.Close()

	sample := []AudienceMember{}
	for rows.Next() {
		var m AudienceMember
		if err := rows.Scan(&m.ID, &m.Email, &m.FirstName, &m.LastName); err != nil {
			return 0, nil, fmt.Errorf("scan audience member: %w", err)
		}
		sample = append(sample, m)
	}
	return count, sample, rows.Err()
}

// assemble validates the rules, compiles each condition and joins the
// fragments under the mandatory eligibility filter. The result is a WHERE
// body using $n placeholders with communityID bound as $1.
func (e *Engine) assemble(ctx context.Context, communityID uuid.UUID, rules RuleSet) (string, []interface{}, error) {
	if err := Validate(rules); err != nil {
		return "", nil, err
	}

	clauses := make([]string, 0, len(rules.Conditions))
	args := []interface{}{communityID}
	for _, cond := range rules.Conditions {
		frag, err := e.compiler.Compile(ctx, communityID, cond)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, rebind(frag.SQL, len(args)))
		args = append(args, frag.Args...)
	}

	joiner := " AND "
	if rules.Match == MatchAny {
		joiner = " OR "
	}
	where := eligibleFilter + " AND (" + strings.Join(clauses, joiner) + ")"
	return where, args, nil
}

// rebind renumbers a fragment's ? placeholders to $n, continuing from the
// parameters already bound ahead of it.
func rebind(fragment string, bound int) string {
	var b strings.Builder
	b.Grow(len(fragment) + 8)
	n := bound
	for _, r := range fragment {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
