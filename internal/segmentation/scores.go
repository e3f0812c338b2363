package segmentation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScoreEngine computes the derived fields that have no stored column:
// activity level, percentile-based community rank, and email engagement tier.
// Everything is recomputed from correlated history on every call; there is no
// cache and no materialized score anywhere. The community-rank computation
// aggregates across the full eligible tenant population each time, which is
// the dominant cost of the engine (the PercentileRanker seam exists so a
// precomputed rank table can replace it later without touching rule logic).
type ScoreEngine struct {
	db     *sql.DB
	ranker PercentileRanker
	now    func() time.Time
}

// NewScoreEngine creates a score engine over the given database.
func NewScoreEngine(db *sql.DB) *ScoreEngine {
	return &ScoreEngine{
		db:     db,
		ranker: InclusiveRanker{},
		now:    time.Now,
	}
}

// ==========================================
// PURE TIER / SCORE MATH
// ==========================================

// ActivityTier classifies login recency. A member is "returning" when they
// logged in within the last 14 days and the gap back to their previous login
// was at least 60 days. Members who never logged in are "low"; their account
// creation date stands in for recency but cannot make them high or medium.
func ActivityTier(now time.Time, lastLogin, prevLogin *time.Time) ActivityLevel {
	if lastLogin == nil {
		return ActivityLow
	}
	days := daysBetween(*lastLogin, now)
	if days <= 14 && prevLogin != nil {
		gap := daysBetween(*prevLogin, *lastLogin)
		if gap >= 60 {
			return ActivityReturning
		}
	}
	switch {
	case days <= 7:
		return ActivityHigh
	case days <= 30:
		return ActivityMedium
	default:
		return ActivityLow
	}
}

// ScoreInputs are the per-member facts the composite community score is
// derived from.
type ScoreInputs struct {
	LastLogin     *time.Time
	CreatedAt     time.Time
	ListingsCount int
	ValueGiven    float64
	ValueReceived float64
	HasBio        bool
	HasImage      bool
}

// CompositeScore is the product of the activity, contribution and reputation
// components.
func CompositeScore(now time.Time, in ScoreInputs) float64 {
	return activityComponent(now, in.LastLogin) *
		contributionComponent(in.ListingsCount, in.ValueGiven, in.ValueReceived) *
		reputationComponent(now, in.CreatedAt, in.HasBio, in.HasImage)
}

func activityComponent(now time.Time, lastLogin *time.Time) float64 {
	if lastLogin == nil {
		return 0.3
	}
	switch days := daysBetween(*lastLogin, now); {
	case days <= 7:
		return 1.0
	case days <= 30:
		return 0.7
	default:
		return 0.3
	}
}

func contributionComponent(listings int, valueGiven, valueReceived float64) float64 {
	score := 0.5
	bonus := 0.05 * float64(listings)
	if bonus > 0.3 {
		bonus = 0.3
	}
	score += bonus
	if valueGiven > valueReceived {
		score += 0.2
	}
	return score
}

func reputationComponent(now time.Time, createdAt time.Time, hasBio, hasImage bool) float64 {
	score := 0.5
	// Account age contributes up to 0.2, earned over the first five years.
	ageYears := now.Sub(createdAt).Hours() / (24 * 365)
	ageBonus := 0.04 * ageYears
	if ageBonus > 0.2 {
		ageBonus = 0.2
	}
	score += ageBonus
	if hasBio {
		score += 0.1
	}
	if hasImage {
		score += 0.1
	}
	if score < 0.3 {
		score = 0.3
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// RankBucketFor maps a 0–100 percentile to its bucket memberships. Buckets
// are nested: a member at the 95th percentile is in top_10, top_25 and
// top_50 at once.
func RankBucketFor(percentile float64, bucket RankBucket) bool {
	switch bucket {
	case RankTop10:
		return percentile >= 90
	case RankTop25:
		return percentile >= 75
	case RankTop50:
		return percentile >= 50
	case RankBottom25:
		return percentile <= 25
	default:
		return false
	}
}

// EngagementTier buckets newsletter behaviour from distinct send/open/click
// counts. Open rate is opens over sends; click rate is clicks over opens.
// Cases are evaluated in precedence order, so the buckets partition every
// member with a defined send count.
func EngagementTier(sent, opened, clicked int) EngagementLevel {
	if sent == 0 {
		return EngagementNoNewsletters
	}
	openRate := float64(opened) * 100 / float64(sent)
	clickRate := 0.0
	if opened > 0 {
		clickRate = float64(clicked) * 100 / float64(opened)
	}
	switch {
	case openRate >= 70 && clickRate >= 30:
		return EngagementHighlyEngaged
	case openRate >= 40 && clickRate >= 10:
		return EngagementEngaged
	case openRate >= 20:
		return EngagementPassive
	case openRate > 0:
		return EngagementDormant
	default:
		return EngagementNeverOpened
	}
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}

// ==========================================
// POPULATION QUERIES
// ==========================================

const eligibleFilter = `u.community_id = $1 AND u.status = 'approved'`

// ActivityMembers returns the ids of eligible members in the given activity
// tier. The previous-login gap needed for "returning" comes from the login
// history table.
func (s *ScoreEngine) ActivityMembers(ctx context.Context, communityID uuid.UUID, tier ActivityLevel) ([]uuid.UUID, error) {
	query := `
		SELECT u.id, u.last_login_at,
			(SELECT MAX(le.logged_in_at) FROM login_events le
			 WHERE le.user_id = u.id AND le.logged_in_at < u.last_login_at)
		FROM users u
		WHERE ` + eligibleFilter

	rows, err := s.db.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("activity population: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var lastLogin, prevLogin sql.NullTime
		if err := rows.Scan(&id, &lastLogin, &prevLogin); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		if ActivityTier(now, nullableTime(lastLogin), nullableTime(prevLogin)) == tier {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// RankMembers returns the ids of eligible members whose composite score
// percentile falls in the given bucket. The percentile baseline is the entire
// eligible population of the community, including the member being ranked.
func (s *ScoreEngine) RankMembers(ctx context.Context, communityID uuid.UUID, bucket RankBucket) ([]uuid.UUID, error) {
	query := `
		SELECT u.id, u.last_login_at, u.created_at,
			` + listingsCountExpr + `,
			COALESCE((SELECT SUM(t.amount) FROM wallet_transactions t WHERE t.sender_id = u.id), 0),
			COALESCE((SELECT SUM(t.amount) FROM wallet_transactions t WHERE t.recipient_id = u.id), 0),
			(u.bio IS NOT NULL AND u.bio != ''),
			(u.image_url IS NOT NULL AND u.image_url != '')
		FROM users u
		WHERE ` + eligibleFilter

	rows, err := s.db.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("rank population: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var ids []uuid.UUID
	var scores []float64
	for rows.Next() {
		var id uuid.UUID
		var lastLogin sql.NullTime
		var in ScoreInputs
		if err := rows.Scan(&id, &lastLogin, &in.CreatedAt, &in.ListingsCount,
			&in.ValueGiven, &in.ValueReceived, &in.HasBio, &in.HasImage); err != nil {
			return nil, fmt.Errorf("scan rank row: %w", err)
		}
		in.LastLogin = nullableTime(lastLogin)
		ids = append(ids, id)
		scores = append(scores, CompositeScore(now, in))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var matched []uuid.UUID
	for i, id := range ids {
		pct := s.ranker.Rank(scores[i], scores)
		if RankBucketFor(pct, bucket) {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// EngagementMembers returns the ids of eligible members in the given email
// engagement tier, from distinct newsletter send/open/click counts.
func (s *ScoreEngine) EngagementMembers(ctx context.Context, communityID uuid.UUID, tier EngagementLevel) ([]uuid.UUID, error) {
	query := `
		SELECT u.id,
			` + newslettersSentExpr + `,
			` + newslettersOpenedExpr + `,
			` + newslettersClickedExpr + `
		FROM users u
		WHERE ` + eligibleFilter

	rows, err := s.db.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("engagement population: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var sent, opened, clicked int
		if err := rows.Scan(&id, &sent, &opened, &clicked); err != nil {
			return nil, fmt.Errorf("scan engagement row: %w", err)
		}
		if EngagementTier(sent, opened, clicked) == tier {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
