package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"potline/internal/engine"
	"potline/internal/model"
)

// WinnerEvent tells one winner about their prize.
type WinnerEvent struct {
	RunID  string       `json:"run_id"`
	PoolID int64        `json:"pool_id"`
	Tier   string       `json:"tier"`
	Winner model.Winner `json:"winner"`
	TxID   string       `json:"tx_id"`
}

// LossEvent tells a participant that none of their tickets won.
type LossEvent struct {
	RunID   string `json:"run_id"`
	PoolID  int64  `json:"pool_id"`
	Tier    string `json:"tier"`
	UserID  int64  `json:"user_id"`
	Tickets int    `json:"tickets"`
}

// Announcement is the outcome posted to a subscribed channel.
type Announcement struct {
	ChannelID int64                  `json:"channel_id"`
	Result    model.SettlementResult `json:"result"`
}

// LosingUsers returns the participants without a winning ticket and how many
// tickets each held, ordered by user id.
func LosingUsers(result model.SettlementResult) ([]int64, map[int64]int) {
	won := make(map[int64]struct{}, len(result.Winners))
	for _, w := range result.Winners {
		won[w.UserID] = struct{}{}
	}
	counts := make(map[int64]int)
	for _, id := range result.Losers {
		if _, ok := won[id]; ok {
			continue
		}
		counts[id]++
	}
	users := make([]int64, 0, len(counts))
	for id := range counts {
		users = append(users, id)
	}
	slices.Sort(users)
	return users, counts
}

// LogNotifier writes settlement outcomes to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifySettlement(ctx context.Context, result model.SettlementResult, channels []int64) error {
	for _, w := range result.Winners {
		n.logger.Info("winner",
			zap.Int64("pool_id", result.PoolID),
			zap.Int("place", w.Place),
			zap.Int64("user_id", w.UserID),
			zap.String("prize", w.Prize.String()),
			zap.Bool("paid", w.Paid),
			zap.String("tx_id", result.TxID),
		)
	}
	losers, _ := LosingUsers(result)
	n.logger.Info("settlement announced",
		zap.Int64("pool_id", result.PoolID),
		zap.String("tier", result.Tier),
		zap.String("pot", result.Pot.String()),
		zap.Int("losers", len(losers)),
		zap.Int64s("channels", channels),
	)
	return nil
}

// NATSNotifier publishes winner, loss and channel events to JetStream.
type NATSNotifier struct {
	js jetstream.JetStream
}

func NewNATSNotifier(js jetstream.JetStream) *NATSNotifier {
	return &NATSNotifier{js: js}
}

func (n *NATSNotifier) NotifySettlement(ctx context.Context, result model.SettlementResult, channels []int64) error {
	var errs []error
	for _, w := range result.Winners {
		ev := WinnerEvent{RunID: result.RunID, PoolID: result.PoolID, Tier: result.Tier, Winner: w, TxID: result.TxID}
		errs = append(errs, n.publish(ctx, fmt.Sprintf("%s.winner.%d", EventsSubject, w.UserID), fmt.Sprintf("%s-w%d", result.RunID, w.Place), ev))
	}
	losers, counts := LosingUsers(result)
	for _, id := range losers {
		ev := LossEvent{RunID: result.RunID, PoolID: result.PoolID, Tier: result.Tier, UserID: id, Tickets: counts[id]}
		errs = append(errs, n.publish(ctx, fmt.Sprintf("%s.loss.%d", EventsSubject, id), fmt.Sprintf("%s-l%d", result.RunID, id), ev))
	}
	for _, ch := range channels {
		ev := Announcement{ChannelID: ch, Result: result}
		errs = append(errs, n.publish(ctx, fmt.Sprintf("%s.channel.%d", EventsSubject, ch), fmt.Sprintf("%s-c%d", result.RunID, ch), ev))
	}
	errs = append(errs, n.publish(ctx, fmt.Sprintf("%s.settled.%s", EventsSubject, result.Tier), result.RunID, result))
	return errors.Join(errs...)
}

func (n *NATSNotifier) publish(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// JournalNotifier appends every settlement as one JSON line.
type JournalNotifier struct {
	path string
	mu   sync.Mutex
}

func NewJournalNotifier(path string) *JournalNotifier {
	return &JournalNotifier{path: path}
}

func (n *JournalNotifier) NotifySettlement(ctx context.Context, result model.SettlementResult, channels []int64) error {
	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	dir := filepath.Dir(n.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	file, err := os.OpenFile(n.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(line); err != nil {
		return fmt.Errorf("write settlement: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}

// MultiNotifier fans a settlement out to every notifier and joins their errors.
type MultiNotifier []engine.Notifier

func (m MultiNotifier) NotifySettlement(ctx context.Context, result model.SettlementResult, channels []int64) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifySettlement(ctx, result, channels); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
