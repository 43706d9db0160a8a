package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mgazza/dorm-energy-sync/internal/dashboard"
	"github.com/mgazza/dorm-energy-sync/internal/dorms"
)

const (
	stateKey     = "leaderboard"
	writeTimeout = 10 * time.Second
	queueSize    = 16
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StateEvent is the message published for every completed refresh.
type StateEvent struct {
	EventID      string            `json:"eventId"`
	RefreshedAt  time.Time         `json:"refreshedAt"`
	APIConnected bool              `json:"apiConnected"`
	Error        string            `json:"error,omitempty"`
	UserDorm     *dorms.Snapshot   `json:"userDorm,omitempty"`
	Leaderboard  []dorms.Snapshot  `json:"leaderboard"`
	Profile      dashboard.Profile `json:"profile"`
}

// Kafka publishes dashboard state to a topic. Only states carrying a new
// refresh time are sent; loading flips and rotations are skipped. Writes
// happen on the sink's own goroutine so a slow broker never holds up other
// observers.
type Kafka struct {
	writer messageWriter
	topic  string
	log    *zap.Logger

	events chan dashboard.State
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	last   time.Time
	closed bool
}

// NewKafka creates a Kafka sink writing to topic on brokers.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}, topic, logger)
}

func newKafka(w messageWriter, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kafka{
		writer: w,
		topic:  topic,
		log:    logger.Named("kafka"),
		events: make(chan dashboard.State, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go k.run()
	return k
}

// Observe is a dashboard.Observer. It queues the state and returns; when the
// queue is full the state is dropped.
func (k *Kafka) Observe(state dashboard.State) {
	if state.Loading || state.RefreshedAt.IsZero() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed || !state.RefreshedAt.After(k.last) {
		return
	}
	select {
	case k.events <- state:
		k.last = state.RefreshedAt
	default:
		k.log.Warn("state queue full, dropping event", zap.Time("refreshed_at", state.RefreshedAt))
	}
}

func (k *Kafka) run() {
	defer close(k.done)
	for state := range k.events {
		ctx, cancel := context.WithTimeout(k.ctx, writeTimeout)
		err := k.Publish(ctx, state)
		cancel()
		if err != nil {
			k.log.Warn("state publish failed", zap.String("topic", k.topic), zap.Error(err))
		}
	}
}

// Publish sends one state event.
func (k *Kafka) Publish(ctx context.Context, state dashboard.State) error {
	event := StateEvent{
		EventID:      uuid.NewString(),
		RefreshedAt:  state.RefreshedAt,
		APIConnected: state.APIConnected,
		UserDorm:     state.UserDorm,
		Leaderboard:  state.Leaderboard,
		Profile:      state.Profile,
	}
	if state.LastError != nil {
		event.Error = state.LastError.Error()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode state event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(stateKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(event.EventID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write state event: %w", err)
	}
	k.log.Debug("state published", zap.String("event_id", event.EventID), zap.Int("leaderboard", len(event.Leaderboard)))
	return nil
}

// Close stops accepting states, sends the queued ones and closes the writer.
// When ctx ends first the remaining writes are abandoned.
func (k *Kafka) Close(ctx context.Context) error {
	k.mu.Lock()
	if !k.closed {
		k.closed = true
		close(k.events)
	}
	k.mu.Unlock()

	select {
	case <-k.done:
	case <-ctx.Done():
		k.cancel()
		<-k.done
	}
	k.cancel()
	return k.writer.Close()
}
