package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bridgeChannel = "scriptorium:events"

var (
	errMissingRedisClient = errors.New("events: redis client required")
	errMissingBus         = errors.New("events: bus required")
	errMissingInstanceID  = errors.New("events: instance id required")
)

// RedisBridge relays broadcast events between processes over a redis pub/sub
// channel. It plays the part the cross-tab storage signal plays in a browser:
// a mutation in one process becomes a (slightly delayed) refresh trigger in
// every other one.
type RedisBridge struct {
	client     *redis.Client
	bus        *Bus
	instanceID string
	logger     *zap.Logger
}

// RedisBridgeConfig configures a RedisBridge.
type RedisBridgeConfig struct {
	Client     *redis.Client
	Bus        *Bus
	InstanceID string
	Logger     *zap.Logger
}

type bridgeEnvelope struct {
	Instance  string `json:"instance"`
	Type      string `json:"type"`
	Email     string `json:"email"`
	UserType  string `json:"user_type,omitempty"`
	RoomID    string `json:"room_id"`
	Timestamp int64  `json:"timestamp_s"`
}

// NewRedisBridge validates configuration and constructs a bridge.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.InstanceID == "" {
		return nil, errMissingInstanceID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:     cfg.Client,
		bus:        cfg.Bus,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}, nil
}

// Run relays events in both directions until the context is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	local, cancelLocal := b.bus.SubscribeAll(ctx)
	defer cancelLocal()

	remote := b.client.Subscribe(ctx, bridgeChannel)
	defer remote.Close()
	remoteCh := remote.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-local:
			if !ok {
				return nil
			}
			b.publishRemote(ctx, event)
		case message, ok := <-remoteCh:
			if !ok {
				return nil
			}
			b.injectLocal(message.Payload)
		}
	}
}

func (b *RedisBridge) publishRemote(ctx context.Context, event Event) {
	envelope := bridgeEnvelope{
		Instance:  b.instanceID,
		Type:      string(event.Type),
		Email:     event.Email,
		UserType:  event.UserType,
		RoomID:    event.RoomID,
		Timestamp: event.Timestamp.Unix(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		b.logger.Error("event bridge encode failed", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, bridgeChannel, payload).Err(); err != nil {
		b.logger.Warn("event bridge publish failed", zap.Error(err))
	}
}

func (b *RedisBridge) injectLocal(payload string) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		b.logger.Warn("event bridge decode failed", zap.Error(err))
		return
	}
	if envelope.Instance == b.instanceID {
		return
	}
	b.bus.Publish(Event{
		Type:      Type(envelope.Type),
		Email:     envelope.Email,
		UserType:  envelope.UserType,
		RoomID:    envelope.RoomID,
		Remote:    true,
		Timestamp: time.Unix(envelope.Timestamp, 0).UTC(),
	})
}
