// Package dispatch hands resolved audiences to downstream delivery workers
// over a Redis queue. The segmentation engine stays synchronous; anything
// that actually contacts members consumes from here.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/community-platform/internal/segmentation"
)

// queueKeyPrefix namespaces per-community dispatch queues.
const queueKeyPrefix = "dispatch:audience:"

// Envelope is one queued audience hand-off. Members are resolved at enqueue
// time; consumers see the audience exactly as it existed then.
type Envelope struct {
	ID          uuid.UUID                     `json:"id"`
	CommunityID uuid.UUID                     `json:"community_id"`
	SegmentID   *uuid.UUID                    `json:"segment_id,omitempty"`
	Channel     string                        `json:"channel"`
	Members     []segmentation.AudienceMember `json:"members"`
	EnqueuedAt  time.Time                     `json:"enqueued_at"`
}

// Publisher enqueues audience envelopes for delivery workers.
type Publisher struct {
	client *redis.Client
	now    func() time.Time
}

// NewPublisher creates a publisher over the given Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// Publish enqueues the members for delivery on the community's queue and
// returns the envelope id.
func (p *Publisher) Publish(ctx context.Context, communityID uuid.UUID, segmentID *uuid.UUID, channel string, members []segmentation.AudienceMember) (uuid.UUID, error) {
	env := Envelope{
		ID:          uuid.New(),
		CommunityID: communityID,
		SegmentID:   segmentID,
		Channel:     channel,
		Members:     members,
		EnqueuedAt:  p.now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode dispatch envelope: %w", err)
	}

	if err := p.client.RPush(ctx, QueueKey(communityID), payload).Err(); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue dispatch envelope: %w", err)
	}
	return env.ID, nil
}

// QueueLength reports the number of pending envelopes for a community.
func (p *Publisher) QueueLength(ctx context.Context, communityID uuid.UUID) (int64, error) {
	n, err := p.client.LLen(ctx, QueueKey(communityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch queue length: %w", err)
	}
	return n, nil
}

// QueueKey returns the Redis list key for a community's dispatch queue.
func QueueKey(communityID uuid.UUID) string {
	return queueKeyPrefix + communityID.String()
}
