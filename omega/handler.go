package omega

import (
	"context"

	"go.uber.org/zap"

	"github.com/fortressi/alpha"
)

// Sender sends transaction events to the coordinator.
type Sender interface {
	Send(ctx context.Context, event *alpha.TxEvent) error
}

// CompensationHandler runs the compensation commands received from the
// coordinator.
type CompensationHandler struct {
	registry *Registry
	sender   Sender
	log      *zap.Logger
}

// NewCompensationHandler creates a handler running methods from registry and
// reporting through sender.
func NewCompensationHandler(registry *Registry, sender Sender, log *zap.Logger) *CompensationHandler {
	return &CompensationHandler{registry: registry, sender: sender, log: log}
}

// OnReceive runs the compensation method of cmd and then reports the local
// transaction compensated. The report is sent even when the method fails;
// the failure is only logged.
func (h *CompensationHandler) OnReceive(ctx context.Context, cmd alpha.Command) error {
	log := h.log.With(
		zap.String("global_tx_id", cmd.GlobalTxID),
		zap.String("local_tx_id", cmd.LocalTxID),
		zap.String("compensation_method", cmd.CompensationMethod),
	)

	tx := TxContext{GlobalTxID: cmd.GlobalTxID, LocalTxID: cmd.LocalTxID, ParentTxID: cmd.ParentTxID}
	if err := h.registry.Compensate(WithTxContext(ctx, tx), cmd.CompensationMethod, cmd.Payload); err != nil {
		log.Error("compensation failed", zap.Error(err))
	} else {
		log.Info("compensated local transaction")
	}

	return h.sender.Send(ctx, &alpha.TxEvent{
		GlobalTxID:         cmd.GlobalTxID,
		LocalTxID:          cmd.LocalTxID,
		ParentTxID:         cmd.ParentTxID,
		Type:               alpha.EventCompensated,
		CompensationMethod: cmd.CompensationMethod,
		Payload:            []byte{},
	})
}
