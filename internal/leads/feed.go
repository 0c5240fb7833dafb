package leads

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const feedChannel = "leads.changed"

// RedisFeed keeps the latest lead versions in Redis so pollers can skip
// unchanged leads without touching Postgres.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed constructs the feed helper.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func versionKey(id string) string {
	return fmt.Sprintf("leads:%s:version", id)
}

// Publish stores the lead version and announces it on the change channel.
// Versions never move backwards.
func (f *RedisFeed) Publish(ctx context.Context, lead Lead) error {
	if f == nil || f.client == nil {
		return nil
	}
	id := lead.ID.String()
	key := versionKey(id)
	current, err := f.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if current >= lead.Version {
		return nil
	}
	if err := f.client.Set(ctx, key, lead.Version, 0).Err(); err != nil {
		return err
	}
	return f.client.Publish(ctx, feedChannel, id+":"+strconv.FormatInt(lead.Version, 10)).Err()
}

// Version returns the last published version of a lead, or 0 when unknown.
func (f *RedisFeed) Version(ctx context.Context, id string) (int64, error) {
	if f == nil || f.client == nil {
		return 0, nil
	}
	ver, err := f.client.Get(ctx, versionKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Subscribe returns a subscription to lead change announcements. Payloads have
// the form "<lead id>:<version>".
func (f *RedisFeed) Subscribe(ctx context.Context) *redis.PubSub {
	return f.client.Subscribe(ctx, feedChannel)
}
