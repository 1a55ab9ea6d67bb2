package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reliefchain/engine/pkg/circuit"
	"github.com/reliefchain/engine/pkg/messaging"
)

var (
	// ErrLedgerUnavailable means the submission could not be delivered or
	// acknowledged in time. The transfer may or may not have happened; the
	// caller must wait for the settlement outcome to learn the truth, and
	// owns any retry decision.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrTransferRejected means the bridge acknowledged and refused the
	// submission, so the transfer definitely did not happen.
	ErrTransferRejected = errors.New("transfer rejected by ledger")
)

// Adapter abstracts the append-only settlement ledger. SubmitTransfer
// returns the ledger's transaction reference once the submission is
// acknowledged; settlement itself is asynchronous and arrives later as a
// SettlementEvent.
type Adapter interface {
	SubmitTransfer(ctx context.Context, target string, amount decimal.Decimal, reference string) (string, error)
}

// NATSAdapter submits transfers to the settlement bridge over NATS
// request-reply with a bounded timeout, behind a circuit breaker so a dead
// bridge fails fast instead of tying up every caller for the full timeout.
type NATSAdapter struct {
	client  *messaging.Client
	breaker *circuit.Breaker
	timeout time.Duration
}

// Config holds adapter settings.
type Config struct {
	SubmitTimeout  time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout:  5 * time.Second,
		MaxFailures:    5,
		BreakerTimeout: 30 * time.Second,
	}
}

// NewNATSAdapter creates an adapter over client.
func NewNATSAdapter(client *messaging.Client, cfg Config) *NATSAdapter {
	return &NATSAdapter{
		client: client,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "settlement-bridge",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.BreakerTimeout,
			HalfOpenMax: 3,
		}),
		timeout: cfg.SubmitTimeout,
	}
}

// SubmitTransfer submits a transfer intent and returns the ledger's
// transaction reference. The reference string travels with the transfer and
// comes back in the settlement event, tying the outcome to its owner.
func (a *NATSAdapter) SubmitTransfer(ctx context.Context, target string, amount decimal.Decimal, reference string) (string, error) {
	req := messaging.TransferRequest{
		Target:    target,
		Amount:    amount.String(),
		Reference: reference,
	}

	var reply messaging.TransferReply
	err := a.breaker.Execute(ctx, func() error {
		msg, err := a.client.Request(ctx, messaging.SubjectSettlementSubmit, req, a.timeout)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("malformed bridge reply: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) || errors.Is(err, circuit.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", ErrLedgerUnavailable)
		}
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	if reply.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrTransferRejected, reply.Error)
	}
	if reply.TxRef == "" {
		return "", fmt.Errorf("%w: bridge returned no transaction reference", ErrLedgerUnavailable)
	}
	return reply.TxRef, nil
}

// BreakerState exposes the breaker state for health endpoints.
func (a *NATSAdapter) BreakerState() circuit.State {
	return a.breaker.State()
}
