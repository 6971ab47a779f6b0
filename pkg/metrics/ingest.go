package metrics

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// wireRecord is the wire shape of SPEC_FULL.md §6's metrics ingest
// pub/sub record: {worker_id, gpu_cache_usage_perc, num_requests_waiting,
// timestamp_ms}.
type wireRecord struct {
	WorkerID           uint64  `json:"worker_id"`
	GPUCacheUsagePerc  float64 `json:"gpu_cache_usage_perc"`
	NumRequestsWaiting int64   `json:"num_requests_waiting"`
	TimestampMs        int64   `json:"timestamp_ms"`
}

// RedisIngest subscribes Aggregator to a Redis pub/sub channel carrying
// worker metric updates, giving the "external pub/sub-style feed" named
// in SPEC_FULL.md §4.1/§6 a concrete transport. It is optional: the
// Aggregator's public contract does not depend on it, and nothing in
// the Router or Dispatcher imports this file directly.
func RedisIngest(ctx context.Context, a *Aggregator, client *redis.Client, channel string, log zerolog.Logger) error {
	sub := client.Subscribe(ctx, channel)
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec wireRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed metrics update")
					continue
				}
				a.OnUpdate(rec.WorkerID, Record{
					KVCacheUsage:    rec.GPUCacheUsagePerc,
					PendingRequests: rec.NumRequestsWaiting,
					LastUpdatedMs:   rec.TimestampMs,
				})
			}
		}
	}()

	return nil
}
