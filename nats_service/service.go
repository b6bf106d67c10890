package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/config"
	"github.com/karthikraju391/greenmarket-chat/models"
)

const (
	setupTimeout      = 5 * time.Second
	inactiveThreshold = 30 * time.Second
)

// NatsService carries row change events over a JetStream stream and serves
// them as the live feed. Subjects are <prefix>.<table>.<event>.<key>.
type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	stream string
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*natsHandle]struct{}
}

// NewNatsService connects to NATS and makes sure the change stream exists.
func NewNatsService(cfg config.NATSConfig, logger *slog.Logger) (*NatsService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NatsService{
		stream: cfg.StreamName,
		prefix: cfg.SubjectPrefix,
		logger: logger.With("component", "nats"),
		subs:   make(map[*natsHandle]struct{}),
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("greenchat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("Disconnected from NATS", "error", err)
			s.broadcast(backend.StatusChannelError, fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.broadcast(backend.StatusClosed, errors.New("nats connection closed"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	s.nc = nc
	s.js = js

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		s.logger.Info("Stream not found, attempting to create", "stream", cfg.StreamName)
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Chat row change events",
			Subjects:    []string{cfg.SubjectPrefix + ".>"},
			MaxAge:      cfg.MaxAge,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
		s.logger.Info("Stream created", "stream", cfg.StreamName)
	} else {
		s.logger.Info("Found existing stream", "stream", stream.CachedInfo().Config.Name)
	}

	return s, nil
}

func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// Healthy reports whether the NATS connection is up.
func (s *NatsService) Healthy() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// Publish appends ev to the stream under the subject derived from its
// record.
func (s *NatsService) Publish(ctx context.Context, ev models.ChangeEvent) error {
	key, err := routingKey(ev)
	if err != nil {
		return err
	}
	subject := subjectFor(s.prefix, ev.Table, ev.Type, key)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event to subject '%s': %w: %w", subject, backend.ErrTransientIO, err)
	}
	s.logger.Debug("Published change event", "subject", subject)
	return nil
}

type natsHandle struct {
	topic    string
	consumer string
	cc       jetstream.ConsumeContext
	onStatus backend.StatusHandler
	once     sync.Once
}

func (h *natsHandle) Topic() string { return h.topic }

// Subscribe creates an ephemeral consumer delivering only new events that
// pass filter, and acknowledges once consumption has started.
func (s *NatsService) Subscribe(ctx context.Context, topic string, filter backend.Filter, onEvent backend.EventHandler, onStatus backend.StatusHandler) (backend.Handle, error) {
	subject := subjectFor(s.prefix, filter.Table, filter.Event, filter.Value)

	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	cons, err := s.js.CreateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: inactiveThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	h := &natsHandle{topic: topic, consumer: cons.CachedInfo().Name, onStatus: onStatus}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		ev, err := decodeEvent(msg.Data())
		if err != nil {
			s.logger.Warn("Dropping undecodable event", "subject", msg.Subject(), "error", err)
			return
		}
		if !filter.Match(ev) {
			return
		}
		onEvent(ev)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if fatalConsumeError(err) {
			h.report(backend.StatusChannelError, err)
			return
		}
		s.logger.Debug("Consumer warning", "topic", topic, "error", err)
	}))
	if err != nil {
		s.deleteConsumer(h.consumer)
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}
	h.cc = cc

	s.mu.Lock()
	s.subs[h] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("Subscribed", "topic", topic, "subject", subject)
	onStatus(backend.StatusSubscribed, nil)
	return h, nil
}

func (s *NatsService) Unsubscribe(h backend.Handle) {
	nh, ok := h.(*natsHandle)
	if !ok {
		return
	}
	s.mu.Lock()
	_, live := s.subs[nh]
	delete(s.subs, nh)
	s.mu.Unlock()
	if !live {
		return
	}
	nh.cc.Stop()
	s.deleteConsumer(nh.consumer)
	s.logger.Info("Unsubscribed", "topic", nh.topic)
}

// deleteConsumer removes an ephemeral consumer. The server reaps it after
// inactiveThreshold anyway, so failures are only logged.
func (s *NatsService) deleteConsumer(name string) {
	if name == "" || !s.Healthy() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if err := s.js.DeleteConsumer(ctx, s.stream, name); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		s.logger.Debug("Failed to delete consumer", "consumer", name, "error", err)
	}
}

// broadcast reports a connection-level status to every live subscription.
func (s *NatsService) broadcast(status backend.Status, err error) {
	s.mu.Lock()
	handles := make([]*natsHandle, 0, len(s.subs))
	for h := range s.subs {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.report(status, err)
	}
}

// report delivers at most one failure per subscription; the owner replaces
// the subscription after the first.
func (h *natsHandle) report(status backend.Status, err error) {
	h.once.Do(func() { h.onStatus(status, err) })
}

func fatalConsumeError(err error) bool {
	return errors.Is(err, jetstream.ErrNoHeartbeat) ||
		errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrConsumerNotFound)
}

// keyColumns names the record field each table's subjects are keyed by.
var keyColumns = map[string]string{
	models.TableMessages:      "conversation_id",
	models.TableConversations: "id",
}

// subjectFor builds the subject for one table, event type and key. An
// empty key matches every key.
func subjectFor(prefix, table string, typ models.EventType, key string) string {
	if key == "" {
		key = "*"
	} else {
		key = subjectToken(key)
	}
	return fmt.Sprintf("%s.%s.%s.%s", prefix, table, strings.ToLower(string(typ)), key)
}

// subjectToken replaces the characters NATS reserves in subject tokens.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// routingKey extracts the subject key from the event's record.
func routingKey(ev models.ChangeEvent) (string, error) {
	col, ok := keyColumns[ev.Table]
	if !ok {
		return "", fmt.Errorf("%w: unknown table %q", backend.ErrMalformedEvent, ev.Table)
	}
	if !ev.HasRecord() {
		return "", fmt.Errorf("%w: %s event has no record", backend.ErrMalformedEvent, ev.Table)
	}
	var row map[string]any
	if err := json.Unmarshal(ev.New, &row); err != nil {
		return "", fmt.Errorf("%w: %w", backend.ErrMalformedEvent, err)
	}
	key, _ := row[col].(string)
	if key == "" {
		return "", fmt.Errorf("%w: %s record has no %s", backend.ErrMalformedEvent, ev.Table, col)
	}
	return key, nil
}

func decodeEvent(data []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("%w: %w", backend.ErrMalformedEvent, err)
	}
	if ev.Table == "" || ev.Type == "" {
		return models.ChangeEvent{}, fmt.Errorf("%w: missing table or event type", backend.ErrMalformedEvent)
	}
	return ev, nil
}
