package delivery

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// FrequencyCap bounds notifications per recipient over a fixed window,
// shared across router instances through Redis.
type FrequencyCap struct {
	client *redis.Client
	max    int
	window time.Duration
}

func NewFrequencyCap(client *redis.Client, max int, window time.Duration) *FrequencyCap {
	return &FrequencyCap{client: client, max: max, window: window}
}

// Allow consumes one notification slot for the recipient if the cap permits.
func (c *FrequencyCap) Allow(ctx context.Context, recipient string) (bool, error) {
	res, err := capScript.Run(ctx, c.client,
		[]string{"freqcap:" + recipient},
		c.max, c.window.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, nil
	}
	return allowed == 1, nil
}

var capScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// OptOuts tracks recipients who declined a channel, stored as Redis sets so
// all router instances see the same preferences.
type OptOuts struct {
	client *redis.Client
}

func NewOptOuts(client *redis.Client) *OptOuts {
	return &OptOuts{client: client}
}

func optOutKey(channel string) string {
	return "optout:" + channel
}

func (o *OptOuts) OptedOut(ctx context.Context, channel, recipient string) (bool, error) {
	return o.client.SIsMember(ctx, optOutKey(channel), recipient).Result()
}

func (o *OptOuts) SetOptOut(ctx context.Context, channel, recipient string, out bool) error {
	if out {
		return o.client.SAdd(ctx, optOutKey(channel), recipient).Err()
	}
	return o.client.SRem(ctx, optOutKey(channel), recipient).Err()
}
