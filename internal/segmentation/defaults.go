package segmentation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// defaultSegment is a seed definition created for every new community.
type defaultSegment struct {
	name        string
	description string
	rules       RuleSet
}

var defaultSegments = []defaultSegment{
	{
		name:        "New members",
		description: "Joined within the last 30 days",
		rules: RuleSet{Match: MatchAll, Conditions: []Condition{
			{Field: "created_at", Operator: OpNewerThanDays, Value: NewValue(30)},
		}},
	},
	{
		name:        "Long-term members",
		description: "Member for over a year",
		rules: RuleSet{Match: MatchAll, Conditions: []Condition{
			{Field: "created_at", Operator: OpOlderThanDays, Value: NewValue(365)},
		}},
	},
	{
		name:        "Active sellers",
		description: "Members with at least one listing",
		rules: RuleSet{Match: MatchAll, Conditions: []Condition{
			{Field: "has_listings", Operator: OpEquals, Value: NewValue(true)},
		}},
	},
	{
		name:        "Organisations",
		description: "Organisation profiles",
		rules: RuleSet{Match: MatchAll, Conditions: []Condition{
			{Field: "profile_type", Operator: OpEquals, Value: NewValue("organisation")},
		}},
	},
	{
		name:        "Individuals",
		description: "Individual profiles",
		rules: RuleSet{Match: MatchAll, Conditions: []Condition{
			{Field: "profile_type", Operator: OpEquals, Value: NewValue("individual")},
		}},
	},
	{
		name:        "Never logged in",
		description: "Members who have never signed in",
		rules: RuleSet{Match: MatchAll, Conditions: []Condition{
			{Field: "last_login", Operator: OpEquals, Value: NewValue("never")},
		}},
	},
}

// CreateDefaults seeds the standard starter segments for a community. Names
// already present are skipped, so the call is safe to repeat.
func (s *Store) CreateDefaults(ctx context.Context, communityID uuid.UUID, createdBy *uuid.UUID) ([]*Segment, error) {
	existing, err := s.List(ctx, communityID, false)
	if err != nil {
		return nil, fmt.Errorf("create default segments: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, seg := range existing {
		taken[seg.Name] = true
	}

	created := []*Segment{}
	for _, def := range defaultSegments {
		if taken[def.name] {
			continue
		}
		seg, err := s.Create(ctx, communityID, def.name, def.description, def.rules, createdBy)
		if err != nil {
			return created, fmt.Errorf("create default segment %q: %w", def.name, err)
		}
		created = append(created, seg)
	}
	return created, nil
}
