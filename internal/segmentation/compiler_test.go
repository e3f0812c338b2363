package segmentation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestCompileFragments(t *testing.T) {
	compiler := NewCompiler(nil)
	communityID := uuid.New()

	tests := []struct {
		name     string
		cond     Condition
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "string equals",
			cond:     Condition{Field: "email", Operator: OpEquals, Value: NewValue("a@example.org")},
			wantSQL:  "u.email = ?",
			wantArgs: []interface{}{"a@example.org"},
		},
		{
			name:     "string contains is case-insensitive",
			cond:     Condition{Field: "first_name", Operator: OpContains, Value: NewValue("ann")},
			wantSQL:  "u.first_name ILIKE ?",
			wantArgs: []interface{}{"%ann%"},
		},
		{
			name:     "string starts_with anchors the prefix",
			cond:     Condition{Field: "last_name", Operator: OpStartsWith, Value: NewValue("Mc")},
			wantSQL:  "u.last_name ILIKE ?",
			wantArgs: []interface{}{"Mc%"},
		},
		{
			name:    "is_empty matches null and blank",
			cond:    Condition{Field: "bio", Operator: OpIsEmpty},
			wantSQL: "(u.bio IS NULL OR u.bio = '')",
		},
		{
			name:     "older_than_days uses server time",
			cond:     Condition{Field: "created_at", Operator: OpOlderThanDays, Value: NewValue(90)},
			wantSQL:  "u.created_at < NOW() - make_interval(days => ?)",
			wantArgs: []interface{}{90},
		},
		{
			name:     "newer_than_days is inclusive of the window",
			cond:     Condition{Field: "last_login", Operator: OpNewerThanDays, Value: NewValue(7)},
			wantSQL:  "u.last_login_at >= NOW() - make_interval(days => ?)",
			wantArgs: []interface{}{7},
		},
		{
			name:    "last_login never is an IS NULL check",
			cond:    Condition{Field: "last_login", Operator: OpEquals, Value: NewValue("never")},
			wantSQL: "u.last_login_at IS NULL",
		},
		{
			name:     "numeric at_least over correlated count",
			cond:     Condition{Field: "listings_count", Operator: OpAtLeast, Value: NewValue(3)},
			wantSQL:  listingsCountExpr + " >= ?",
			wantArgs: []interface{}{float64(3)},
		},
		{
			name: "numeric between",
			cond: Condition{Field: "transaction_count", Operator: OpBetween,
				Value: NewValue(map[string]int{"min": 1, "max": 10})},
			wantSQL:  transactionCountExpr + " BETWEEN ? AND ?",
			wantArgs: []interface{}{float64(1), float64(10)},
		},
		{
			name:     "open rate threshold as numeric string",
			cond:     Condition{Field: "email_open_rate", Operator: OpAtLeast, Value: NewValue("40")},
			wantSQL:  openRateExpr + " >= ?",
			wantArgs: []interface{}{float64(40)},
		},
		{
			name:    "has_listings true",
			cond:    Condition{Field: "has_listings", Operator: OpEquals, Value: NewValue(true)},
			wantSQL: listingsCountExpr + " > 0",
		},
		{
			name:    "has_listings false",
			cond:    Condition{Field: "has_listings", Operator: OpEquals, Value: NewValue(false)},
			wantSQL: listingsCountExpr + " = 0",
		},
		{
			name:     "select not_equals",
			cond:     Condition{Field: "profile_type", Operator: OpNotEquals, Value: NewValue("individual")},
			wantSQL:  "u.profile_type != ?",
			wantArgs: []interface{}{"individual"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag, err := compiler.Compile(context.Background(), communityID, tt.cond)
			if err != nil {
				t.Fatalf("Compile() error: %v", err)
			}
			if frag.SQL != tt.wantSQL {
				t.Errorf("SQL = %q, want %q", frag.SQL, tt.wantSQL)
			}
			if len(frag.Args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", frag.Args, tt.wantArgs)
			}
			for i := range tt.wantArgs {
				if frag.Args[i] != tt.wantArgs[i] {
					t.Errorf("arg[%d] = %v, want %v", i, frag.Args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestCompileMembership(t *testing.T) {
	compiler := NewCompiler(nil)
	frag, err := compiler.Compile(context.Background(), uuid.New(), Condition{
		Field: "group", Operator: OpNotMemberOf, Value: NewValue([]string{"g1", "g2"}),
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if !strings.HasPrefix(frag.SQL, "NOT EXISTS (SELECT 1 FROM group_members") {
		t.Errorf("SQL = %q, want negated EXISTS over group_members", frag.SQL)
	}
	if !strings.Contains(frag.SQL, "gm.group_id = ANY(?)") {
		t.Errorf("SQL %q does not bind the group id set", frag.SQL)
	}
	if len(frag.Args) != 1 {
		t.Fatalf("expected one array arg, got %v", frag.Args)
	}
}

func TestCompileExplicitIDList(t *testing.T) {
	compiler := NewCompiler(nil)
	frag, err := compiler.Compile(context.Background(), uuid.New(), Condition{
		Field: "id", Operator: OpMemberOf, Value: NewValue([]string{uuid.NewString(), uuid.NewString()}),
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if frag.SQL != "u.id = ANY(?)" {
		t.Errorf("SQL = %q, want direct id-set match", frag.SQL)
	}
	if len(frag.Args) != 1 {
		t.Fatalf("expected one array arg, got %v", frag.Args)
	}
}

func TestCompileGeo(t *testing.T) {
	compiler := NewCompiler(nil)
	frag, err := compiler.Compile(context.Background(), uuid.New(), Condition{
		Field: "location", Operator: OpWithinRadius,
		Value: NewValue(map[string]float64{"lat": 52.52, "lon": 13.405, "radius_km": 25}),
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if !strings.Contains(frag.SQL, "u.latitude IS NOT NULL AND u.longitude IS NOT NULL") {
		t.Errorf("SQL %q does not exclude members without coordinates", frag.SQL)
	}
	if !strings.Contains(frag.SQL, "6371 * acos") {
		t.Errorf("SQL %q does not use the haversine form", frag.SQL)
	}
	want := []interface{}{52.52, 13.405, 52.52, 25.0}
	if len(frag.Args) != len(want) {
		t.Fatalf("args = %v, want %v", frag.Args, want)
	}
	for i := range want {
		if frag.Args[i] != want[i] {
			t.Errorf("arg[%d] = %v, want %v", i, frag.Args[i], want[i])
		}
	}
}

func TestCompileDerivedBindsIDSet(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	communityID := uuid.New()
	active := uuid.New()
	stale := uuid.New()
	mock.ExpectQuery(`SELECT u\.id, u\.last_login_at`).
		WithArgs(communityID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_login_at", "max"}).
			AddRow(active, scoreNow.AddDate(0, 0, -2), scoreNow.AddDate(0, 0, -5)).
			AddRow(stale, scoreNow.AddDate(0, 0, -120), nil))

	scores := NewScoreEngine(db)
	scores.now = func() time.Time { return scoreNow }
	compiler := NewCompiler(scores)

	frag, err := compiler.Compile(context.Background(), communityID, Condition{
		Field: "activity_level", Operator: OpEquals, Value: NewValue("high"),
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if frag.SQL != "u.id = ANY(?)" {
		t.Errorf("SQL = %q, want id-set predicate", frag.SQL)
	}
	if len(frag.Args) != 1 {
		t.Fatalf("expected one array arg, got %v", frag.Args)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCompileFailsClosed(t *testing.T) {
	compiler := NewCompiler(nil)
	communityID := uuid.New()

	tests := []struct {
		name string
		cond Condition
	}{
		{"unknown field", Condition{Field: "shoe_size", Operator: OpEquals, Value: NewValue(42)}},
		{"operator not allowed", Condition{Field: "email", Operator: OpWithinRadius, Value: NewValue("x")}},
		{"date equals a real date", Condition{Field: "created_at", Operator: OpEquals, Value: NewValue("2025-01-01")}},
		{"missing value", Condition{Field: "email", Operator: OpEquals}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := compiler.Compile(context.Background(), communityID, tt.cond); err == nil {
				t.Error("expected a compile error, got a fragment")
			}
		})
	}
}
