package segmentation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrSegmentNotFound is returned when a segment does not exist in the caller's
// community. Cross-tenant ids are indistinguishable from missing ones.
var ErrSegmentNotFound = errors.New("segment not found")

// Store persists segment definitions. Every operation is scoped by community
// id; rules are stored as JSON and validated before any write.
type Store struct {
	db *sql.DB
}

// NewStore creates a segment store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a new segment, returning it with its generated
// id and timestamps.
func (s *Store) Create(ctx context.Context, communityID uuid.UUID, name, description string, rules RuleSet, createdBy *uuid.UUID) (*Segment, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}

	seg := &Segment{
		CommunityID: communityID,
		Name:        name,
		Description: description,
		Rules:       rules,
		Active:      true,
		CreatedBy:   createdBy,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO segments (community_id, name, description, rules, active, created_by)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING id, created_at, updated_at`,
		communityID, name, description, rulesJSON, createdBy,
	).Scan(&seg.ID, &seg.CreatedAt, &seg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert segment: %w", err)
	}
	return seg, nil
}

// Get fetches one segment by id within the community.
func (s *Store) Get(ctx context.Context, communityID, id uuid.UUID) (*Segment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, community_id, name, description, rules, active, created_by, created_at, updated_at
		FROM segments
		WHERE community_id = $1 AND id = $2`,
		communityID, id)
	return scanSegment(row)
}

// List returns the community's segments ordered by name. With activeOnly set,
// deactivated segments are omitted.
func (s *Store) List(ctx context.Context, communityID uuid.UUID, activeOnly bool) ([]*Segment, error) {
	query := `
		SELECT id, community_id, name, description, rules, active, created_by, created_at, updated_at
		FROM segments
		WHERE community_id = $1`
	if activeOnly {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := []*Segment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Update applies a patch to a segment. New rules are validated before the
// write; nil patch fields keep the stored values.
func (s *Store) Update(ctx context.Context, communityID, id uuid.UUID, patch SegmentPatch) (*Segment, error) {
	if patch.Rules != nil {
		if err := Validate(*patch.Rules); err != nil {
			return nil, err
		}
	}
	var rulesJSON []byte
	if patch.Rules != nil {
		var err error
		rulesJSON, err = json.Marshal(patch.Rules)
		if err != nil {
			return nil, fmt.Errorf("encode rules: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE segments SET
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			rules = COALESCE($5, rules),
			active = COALESCE($6, active),
			updated_at = NOW()
		WHERE community_id = $1 AND id = $2
		RETURNING id, community_id, name, description, rules, active, created_by, created_at, updated_at`,
		communityID, id, patch.Name, patch.Description, rulesJSON, patch.Active)
	return scanSegment(row)
}

// Delete removes a segment permanently. There is no soft delete; deactivation
// is an Update setting active to false.
func (s *Store) Delete(ctx context.Context, communityID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM segments WHERE community_id = $1 AND id = $2`,
		communityID, id)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	if affected == 0 {
		return ErrSegmentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(row rowScanner) (*Segment, error) {
	var seg Segment
	var rulesJSON []byte
	err := row.Scan(&seg.ID, &seg.CommunityID, &seg.Name, &seg.Description,
		&rulesJSON, &seg.Active, &seg.CreatedBy, &seg.CreatedAt, &seg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan segment: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &seg.Rules); err != nil {
		return nil, fmt.Errorf("decode segment rules: %w", err)
	}
	return &seg, nil
}
