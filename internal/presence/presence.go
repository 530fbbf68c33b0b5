// Package presence tracks, cluster-wide, which clients, gateways, and
// relays are currently online (C7). State lives in Redis so every node in
// the cluster sees the same best-effort snapshot. A write for an entity
// replaces whatever entry Redis holds for it; online_at and stamp_secret
// are recorded but not compared, so the write Redis applies last wins.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names one of the three presence partitions tracked.
type Topic string

const (
	TopicGlobalRelays Topic = "global_relays"
	TopicGateways     Topic = "gateways"
	TopicClients      Topic = "clients"
)

// Entry is the metadata recorded for one online entity.
type Entry struct {
	ID          uuid.UUID         `json:"id"`
	OnlineAt    time.Time         `json:"online_at"`
	StampSecret string            `json:"stamp_secret,omitempty"`
	NodeID      string            `json:"node_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Diff describes entities that joined or left a topic since the last diff.
type Diff struct {
	Topic  Topic
	Joins  []Entry
	Leaves []uuid.UUID
}

// redisClient is the subset of *db.Redis the tracker depends on.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Tracker implements cluster-wide presence over Redis hashes, one per
// topic, with diffs fanned out on a companion pub/sub channel.
type Tracker struct {
	redis  redisClient
	nodeID string
}

// New creates a Tracker. nodeID identifies this cluster node in Entry
// records; nothing in this package removes entries by node.
func New(redis redisClient, nodeID string) *Tracker {
	return &Tracker{redis: redis, nodeID: nodeID}
}

func hashKey(topic Topic) string {
	return fmt.Sprintf("presence:%s", topic)
}

func diffChannel(topic Topic) string {
	return fmt.Sprintf("presence:%s:diff", topic)
}

// Connect registers entityID as online on topic, recording tokenID as the
// entry's stamp secret. It overwrites any existing entry for entityID
// without comparing stamp secrets or online times.
func (t *Tracker) Connect(ctx context.Context, topic Topic, entityID uuid.UUID, tokenID string, metadata map[string]string) error {
	entry := Entry{
		ID:          entityID,
		OnlineAt:    time.Now().UTC(),
		StampSecret: tokenID,
		NodeID:      t.nodeID,
		Metadata:    metadata,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	if err := t.redis.HSet(ctx, hashKey(topic), entityID.String(), string(b)); err != nil {
		return fmt.Errorf("connect presence entry: %w", err)
	}

	t.publishDiff(ctx, topic, Diff{Topic: topic, Joins: []Entry{entry}})
	return nil
}

// Disconnect removes entityID from topic, called explicitly or implicitly
// on socket close.
func (t *Tracker) Disconnect(ctx context.Context, topic Topic, entityID uuid.UUID) error {
	if err := t.redis.HDel(ctx, hashKey(topic), entityID.String()); err != nil {
		return fmt.Errorf("disconnect presence entry: %w", err)
	}
	t.publishDiff(ctx, topic, Diff{Topic: topic, Leaves: []uuid.UUID{entityID}})
	return nil
}

// AllConnected returns every online entity on topic, excluding exceptIDs.
func (t *Tracker) AllConnected(ctx context.Context, topic Topic, exceptIDs map[uuid.UUID]struct{}) ([]Entry, error) {
	raw, err := t.redis.HGetAll(ctx, hashKey(topic))
	if err != nil {
		return nil, fmt.Errorf("query presence snapshot: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue
		}
		if _, excluded := exceptIDs[entry.ID]; excluded {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (t *Tracker) publishDiff(ctx context.Context, topic Topic, diff Diff) {
	b, err := json.Marshal(diff)
	if err != nil {
		return
	}
	_ = t.redis.Publish(ctx, diffChannel(topic), string(b))
}
