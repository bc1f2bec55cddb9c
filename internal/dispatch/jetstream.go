package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"potline/internal/engine"
	"potline/internal/storage"
)

const (
	SettleStream   = "POTLINE_SETTLE"
	SettleSubject  = "potline.settle"
	SettleConsumer = "potline-settle"
	EventsStream   = "POTLINE_EVENTS"
	EventsSubject  = "potline.events"
)

// ConnectNATS dials url with unlimited reconnects and returns a JetStream handle.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("potline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the settlement work queue and the events stream.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       SettleStream,
			Subjects:   []string{SettleSubject + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.WorkQueuePolicy,
			Duplicates: 10 * time.Second,
			Replicas:   1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// JetStreamTrigger hands settlements to a durable work queue so any replica
// can run them. The message id deduplicates bursts of triggers for one pool.
type JetStreamTrigger struct {
	js         jetstream.JetStream
	maxDeliver int
	logger     *zap.Logger
}

func NewJetStreamTrigger(js jetstream.JetStream, maxDeliver int, logger *zap.Logger) *JetStreamTrigger {
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStreamTrigger{js: js, maxDeliver: maxDeliver, logger: logger}
}

func settleSubject(poolID int64) string {
	return SettleSubject + "." + strconv.FormatInt(poolID, 10)
}

func poolFromSubject(subject string) (int64, error) {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return 0, fmt.Errorf("malformed subject %q", subject)
	}
	return strconv.ParseInt(subject[idx+1:], 10, 64)
}

// Trigger publishes asynchronously; a lost publish is recovered by reconciliation.
func (t *JetStreamTrigger) Trigger(poolID int64) {
	msgID := "settle-" + strconv.FormatInt(poolID, 10)
	if _, err := t.js.PublishAsync(settleSubject(poolID), nil, jetstream.WithMsgID(msgID)); err != nil {
		t.logger.Warn("publish settlement trigger", zap.Int64("pool_id", poolID), zap.Error(err))
	}
}

// Consume runs settlements from the work queue until ctx is done.
func (t *JetStreamTrigger) Consume(ctx context.Context, settler Settler) error {
	consumer, err := t.js.CreateOrUpdateConsumer(ctx, SettleStream, jetstream.ConsumerConfig{
		Durable:       SettleConsumer,
		FilterSubject: SettleSubject + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    t.maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", SettleConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		t.handle(ctx, settler, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", SettleConsumer, err)
	}
	t.logger.Info("consuming settlement triggers", zap.String("stream", SettleStream))

	<-ctx.Done()
	cc.Stop()
	return nil
}

func (t *JetStreamTrigger) handle(ctx context.Context, settler Settler, msg jetstream.Msg) {
	poolID, err := poolFromSubject(msg.Subject())
	if err != nil {
		t.logger.Error("drop settlement trigger", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Term()
		return
	}

	_, ok, err := settler.Settle(ctx, poolID)
	switch {
	case err == nil:
		if !ok {
			t.logger.Debug("settlement skipped", zap.Int64("pool_id", poolID))
		}
		_ = msg.Ack()
	case errors.Is(err, storage.ErrPoolNotFound), errors.Is(err, engine.ErrSettlementAborted):
		t.logger.Error("settlement rejected", zap.Int64("pool_id", poolID), zap.Error(err))
		_ = msg.Term()
	default:
		t.logger.Error("settlement failed, will redeliver", zap.Int64("pool_id", poolID), zap.Error(err))
		_ = msg.NakWithDelay(5 * time.Second)
	}
}
