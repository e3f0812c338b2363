package segmentation

// The field registry is the static catalog of segmentable member fields.
// Every condition must name a registered field and one of its allowed
// operators; the compiler reads the same catalog, so validation and
// compilation can never disagree about what a field is.

// derivedField identifies which score-engine computation backs a derived
// registry field.
type derivedField int

const (
	derivedNone derivedField = iota
	derivedActivityLevel
	derivedCommunityRank
	derivedEmailEngagement
)

// fieldSpec couples the exported descriptor with the compile-time metadata
// the condition compiler needs: the column or scalar sub-expression a
// predicate targets, or the derived computation to delegate to.
type fieldSpec struct {
	desc    FieldDescriptor
	column  string       // scalar column on users, aliased u (string/date/select kinds)
	expr    string       // scalar sub-expression (number/boolean kinds)
	percent bool         // value constrained to [0,100] at validation time
	derived derivedField // derived kinds only
}

// Correlated scalar sub-expressions. All reference the outer users row as u.
const (
	listingsCountExpr = `(SELECT COUNT(*) FROM listings l WHERE l.user_id = u.id)`

	transactionCountExpr = `(SELECT COUNT(*) FROM wallet_transactions t WHERE t.sender_id = u.id OR t.recipient_id = u.id)`

	newslettersSentExpr = `(SELECT COUNT(DISTINCT nd.newsletter_id) FROM newsletter_deliveries nd WHERE nd.user_id = u.id)`

	newslettersOpenedExpr = `(SELECT COUNT(DISTINCT ne.newsletter_id) FROM newsletter_events ne WHERE ne.user_id = u.id AND ne.event_type = 'open')`

	newslettersClickedExpr = `(SELECT COUNT(DISTINCT ne.newsletter_id) FROM newsletter_events ne WHERE ne.user_id = u.id AND ne.event_type = 'click')`

	openRateExpr = `(CASE WHEN ` + newslettersSentExpr + ` = 0 THEN 0 ELSE ` +
		newslettersOpenedExpr + ` * 100.0 / ` + newslettersSentExpr + ` END)`

	// Click rate is conditioned on having opened, not on the send count.
	clickRateExpr = `(CASE WHEN ` + newslettersOpenedExpr + ` = 0 THEN 0 ELSE ` +
		newslettersClickedExpr + ` * 100.0 / ` + newslettersOpenedExpr + ` END)`
)

var (
	stringOps  = []Operator{OpEquals, OpNotEquals, OpContains, OpStartsWith, OpIsEmpty, OpIsNotEmpty}
	dateOps    = []Operator{OpOlderThanDays, OpNewerThanDays, OpBefore, OpAfter, OpBetween}
	numericOps = []Operator{OpEquals, OpGreaterThan, OpLessThan, OpAtLeast, OpAtMost, OpBetween}
	enumOps    = []Operator{OpEquals, OpNotEquals}
)

// registry lists every segmentable field, in the order exported to rule
// builders.
var registry = []fieldSpec{
	{
		desc:   FieldDescriptor{Field: "email", Label: "Email address", Kind: KindString, Operators: stringOps},
		column: "u.email",
	},
	{
		desc:   FieldDescriptor{Field: "first_name", Label: "First name", Kind: KindString, Operators: stringOps},
		column: "u.first_name",
	},
	{
		desc:   FieldDescriptor{Field: "last_name", Label: "Last name", Kind: KindString, Operators: stringOps},
		column: "u.last_name",
	},
	{
		desc:   FieldDescriptor{Field: "bio", Label: "Profile bio", Kind: KindString, Operators: stringOps},
		column: "u.bio",
	},
	{
		desc: FieldDescriptor{
			Field: "profile_type", Label: "Profile type", Kind: KindSelect, Operators: enumOps,
			Options: []string{"individual", "organisation"},
		},
		column: "u.profile_type",
	},
	{
		desc:   FieldDescriptor{Field: "created_at", Label: "Member since", Kind: KindDate, Operators: dateOps},
		column: "u.created_at",
	},
	{
		// last_login additionally accepts equals "never" (no login recorded).
		desc: FieldDescriptor{
			Field: "last_login", Label: "Last login", Kind: KindDate,
			Operators: []Operator{OpEquals, OpOlderThanDays, OpNewerThanDays, OpBefore, OpAfter, OpBetween},
		},
		column: "u.last_login_at",
	},
	{
		desc: FieldDescriptor{Field: "listings_count", Label: "Listings owned", Kind: KindNumber, Operators: numericOps},
		expr: listingsCountExpr,
	},
	{
		desc: FieldDescriptor{Field: "has_listings", Label: "Has listings", Kind: KindBoolean, Operators: []Operator{OpEquals}},
		expr: listingsCountExpr,
	},
	{
		desc: FieldDescriptor{Field: "transaction_count", Label: "Wallet transactions", Kind: KindNumber, Operators: numericOps},
		expr: transactionCountExpr,
	},
	{
		desc:    FieldDescriptor{Field: "email_open_rate", Label: "Newsletter open rate %", Kind: KindNumber, Operators: numericOps},
		expr:    openRateExpr,
		percent: true,
	},
	{
		desc:    FieldDescriptor{Field: "email_click_rate", Label: "Newsletter click rate %", Kind: KindNumber, Operators: numericOps},
		expr:    clickRateExpr,
		percent: true,
	},
	{
		desc: FieldDescriptor{Field: "group", Label: "Group membership", Kind: KindMembership, Operators: []Operator{OpMemberOf, OpNotMemberOf}},
	},
	{
		// Explicit id list, for hand-picked audiences.
		desc:   FieldDescriptor{Field: "id", Label: "Specific members", Kind: KindMembership, Operators: []Operator{OpMemberOf, OpNotMemberOf}},
		column: "u.id",
	},
	{
		desc: FieldDescriptor{Field: "location", Label: "Location", Kind: KindGeo, Operators: []Operator{OpWithinRadius}},
	},
	{
		desc: FieldDescriptor{
			Field: "activity_level", Label: "Activity level", Kind: KindDerived, Operators: enumOps,
			Options: []string{string(ActivityHigh), string(ActivityMedium), string(ActivityLow), string(ActivityReturning)},
		},
		derived: derivedActivityLevel,
	},
	{
		desc: FieldDescriptor{
			Field: "community_rank", Label: "Community rank", Kind: KindDerived, Operators: enumOps,
			Options: []string{string(RankTop10), string(RankTop25), string(RankTop50), string(RankBottom25)},
		},
		derived: derivedCommunityRank,
	},
	{
		desc: FieldDescriptor{
			Field: "email_engagement", Label: "Email engagement", Kind: KindDerived, Operators: enumOps,
			Options: []string{
				string(EngagementNoNewsletters), string(EngagementNeverOpened), string(EngagementDormant),
				string(EngagementPassive), string(EngagementEngaged), string(EngagementHighlyEngaged),
			},
		},
		derived: derivedEmailEngagement,
	},
}

var registryByField = func() map[string]fieldSpec {
	m := make(map[string]fieldSpec, len(registry))
	for _, spec := range registry {
		m[spec.desc.Field] = spec
	}
	return m
}()

// lookupField returns the registry entry for a field name.
func lookupField(name string) (fieldSpec, bool) {
	spec, ok := registryByField[name]
	return spec, ok
}

// Fields exports the registry as descriptors for a rule-builder UI.
func Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(registry))
	for _, spec := range registry {
		out = append(out, spec.desc)
	}
	return out
}

// allowsOperator reports whether op is legal for the field.
func (s fieldSpec) allowsOperator(op Operator) bool {
	for _, allowed := range s.desc.Operators {
		if allowed == op {
			return true
		}
	}
	return false
}

// allowsOption reports whether an enum value is in the declared option set.
func (s fieldSpec) allowsOption(value string) bool {
	for _, opt := range s.desc.Options {
		if opt == value {
			return true
		}
	}
	return false
}
