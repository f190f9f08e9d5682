// Package coiningress bridges the physical coin acceptor's pulse
// counter to the slot manager. The acceptor hardware (or its adjacent
// firmware bridge) speaks newline-delimited JSON over a local
// connection; this package maintains that connection, reconnecting
// with exponential backoff when it drops, and decodes pulses into
// slot manager AddCoin calls.
package coiningress

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/slotmanager"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Dialer opens the connection to the coin acceptor bridge. Production
// code dials a unix socket or serial-to-TCP bridge; tests supply an
// in-memory implementation.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadCloser, error)
}

// PulseMethod reports how the acceptor bridge derived a pulse's value.
type PulseMethod string

const (
	MethodExact      PulseMethod = "exact"
	MethodCalibrated PulseMethod = "calibrated"
	MethodRaw        PulseMethod = "raw"
)

// pulseMessage is the wire shape emitted by the acceptor bridge, one
// JSON object per line.
type pulseMessage struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Value     float64     `json:"value"`
	Pulses    int64       `json:"pulses"`
	Method    PulseMethod `json:"method"`
}

// SlotResolver maps an anonymous coin-acceptor pulse (the hardware
// doesn't know which client is standing at it) to whichever identity
// currently holds the physical slot.
type SlotResolver interface {
	CurrentHolder(slotNumber int64) (slotmanager.Identity, bool)
}

// Ingress owns the long-lived connection to the coin acceptor bridge.
type Ingress struct {
	dialer     Dialer
	manager    *slotmanager.Manager
	resolver   SlotResolver
	slotNumber int64
}

// New builds an Ingress targeting a single physical slot. Gateways
// with more than one acceptor run one Ingress per slot.
func New(dialer Dialer, manager *slotmanager.Manager, resolver SlotResolver, slotNumber int64) *Ingress {
	return &Ingress{dialer: dialer, manager: manager, resolver: resolver, slotNumber: slotNumber}
}

// Run dials, reads, and redials until ctx is canceled.
func (ig *Ingress) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := ig.dialer.Dial(ctx)
		if err != nil {
			logger.CoinInfow("coin bridge dial failed, retrying", "error", err.Error(), "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		logger.CoinInfow("coin bridge connected", "slot_number", ig.slotNumber)
		ig.consume(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (ig *Ingress) consume(ctx context.Context, conn io.ReadCloser) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg pulseMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.CoinInfow("coin bridge sent malformed message, skipping", "error", err.Error())
			continue
		}
		if msg.Type != "coin_detected" {
			continue
		}
		ig.handlePulse(ctx, msg)
	}
}

func (ig *Ingress) handlePulse(ctx context.Context, msg pulseMessage) {
	if err := validatePulse(msg); err != nil {
		logger.CoinInfow("coin bridge sent out-of-range pulse, dropping", "error", err.Error())
		return
	}

	ident, ok := ig.resolver.CurrentHolder(ig.slotNumber)
	if !ok {
		logger.CoinInfow("coin pulse received with no slot holder, dropping", "slot_number", ig.slotNumber)
		return
	}

	if err := ig.manager.AddCoin(ctx, ig.slotNumber, ident, msg.Value, msg.Pulses); err != nil {
		logger.CoinInfow("failed to queue coin pulse", "slot_number", ig.slotNumber, "error", err.Error())
	}
}

func validatePulse(msg pulseMessage) error {
	if msg.Pulses < 1 || msg.Pulses > 1000 {
		return errors.WithKind(errors.Newf("pulse count %d out of range [1, 1000]", msg.Pulses), errors.KindInvalidInput)
	}
	if msg.Value <= 0 || msg.Value > 1000 {
		return errors.WithKind(errors.Newf("pulse value %.2f out of range (0, 1000]", msg.Value), errors.KindInvalidInput)
	}
	switch msg.Method {
	case MethodExact, MethodCalibrated, MethodRaw:
	default:
		return errors.WithKind(errors.Newf("unknown pulse method %q", msg.Method), errors.KindInvalidInput)
	}
	return nil
}
