package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"potline/internal/engine"
	"potline/internal/model"
)

const (
	PurchaseSubject = "potline.purchase"
	PurchaseQueue   = "potline-intake"
)

// Buyer admits a purchase request.
type Buyer interface {
	Buy(ctx context.Context, req model.PurchaseRequest) (model.AdmissionResult, error)
}

// Intake answers purchase requests over NATS request/reply. Replicas share
// the subject through a queue group.
type Intake struct {
	nc      *nats.Conn
	buyer   Buyer
	workers int
	logger  *zap.Logger
}

func NewIntake(nc *nats.Conn, buyer Buyer, workers int, logger *zap.Logger) *Intake {
	if workers <= 0 {
		workers = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{nc: nc, buyer: buyer, workers: workers, logger: logger}
}

// Run serves requests until ctx is done. At most workers purchases run at once.
func (i *Intake) Run(ctx context.Context) error {
	sem := make(chan struct{}, i.workers)
	sub, err := i.nc.QueueSubscribe(PurchaseSubject, PurchaseQueue, func(msg *nats.Msg) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-sem }()
			i.handle(ctx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", PurchaseSubject, err)
	}
	i.logger.Info("accepting purchases", zap.String("subject", PurchaseSubject))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", PurchaseSubject, err)
	}
	return nil
}

func (i *Intake) handle(ctx context.Context, msg *nats.Msg) {
	var req model.PurchaseRequest
	var res model.AdmissionResult
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		res = model.AdmissionResult{ErrorKind: string(engine.KindInvalidRequest), Error: "malformed request: " + err.Error()}
	} else {
		res, _ = i.buyer.Buy(ctx, req)
	}

	data, err := json.Marshal(res)
	if err != nil {
		i.logger.Error("marshal admission result", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		i.logger.Warn("reply to purchase", zap.String("request_id", res.RequestID), zap.Error(err))
	}
}
