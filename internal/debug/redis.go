package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the optional distributed resume backend, used
// when multiple proxy instances share one control plane and a resume
// issued against one instance's control API must reach the instance
// actually holding the suspended flow.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisRelay fans resume signals out across instances via Redis pub/sub.
// It wraps a local Manager: Resume calls made on the instance actually
// holding the flow still go through Manager.Resume directly; calls made
// against any other instance are republished here and picked up by the
// instance that is actually waiting.
type RedisRelay struct {
	client *redis.Client
	topic  string
	mgr    *Manager
}

type resumeMessage struct {
	FlowID string        `json:"flow_id"`
	Mods   Modifications `json:"mods"`
}

// NewRedisRelay connects to Redis and starts listening for resume
// messages published by other instances.
func NewRedisRelay(cfg RedisConfig, mgr *Manager) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("debug: connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "siphon:debug:"
	}

	relay := &RedisRelay{client: client, topic: prefix + "resume", mgr: mgr}
	sub := client.Subscribe(context.Background(), relay.topic)
	go relay.listen(sub)

	slog.Info("debug redis relay initialized", "addr", cfg.Addr, "topic", relay.topic)
	return relay, nil
}

func (r *RedisRelay) listen(sub *redis.PubSub) {
	ch := sub.Channel()
	for msg := range ch {
		var m resumeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			slog.Error("debug redis relay: bad message", "error", err)
			continue
		}
		// Local Resume is a no-op if this instance isn't holding the
		// flow, so every instance can subscribe to the same topic
		// without needing to know who owns what.
		r.mgr.Resume(m.FlowID, m.Mods)
	}
}

// Publish broadcasts a resume request to every subscribed instance.
// Callers should invoke this instead of (or in addition to) a direct
// Manager.Resume when running with more than one instance.
func (r *RedisRelay) Publish(flowID string, mods Modifications) error {
	data, err := json.Marshal(resumeMessage{FlowID: flowID, Mods: mods})
	if err != nil {
		return err
	}
	return r.client.Publish(context.Background(), r.topic, data).Err()
}

// Close releases the Redis connection.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
