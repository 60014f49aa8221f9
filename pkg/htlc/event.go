// Package htlc defines the domain model shared by the chain observers,
// the swap coordinator, and the persistence layer: canonical cross-chain
// events and the swap session state machine.
package htlc

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies the source chain of an event or a swap side.
type Chain string

const (
	ChainEVM  Chain = "evm"
	ChainMove Chain = "move"
)

// Other returns the opposite chain.
func (c Chain) Other() Chain {
	if c == ChainEVM {
		return ChainMove
	}
	return ChainEVM
}

// Valid reports whether the chain is one of the two supported chains.
func (c Chain) Valid() bool {
	return c == ChainEVM || c == ChainMove
}

// EventType enumerates the canonical HTLC event kinds.
type EventType string

const (
	EventCreated   EventType = "HTLC_CREATED"
	EventWithdrawn EventType = "HTLC_WITHDRAWN"
	EventRefunded  EventType = "HTLC_REFUNDED"
)

// Event is the canonical, chain-agnostic form of an observed HTLC event.
// Observers validate and normalize raw chain payloads into this shape;
// everything downstream of the observers sees only Events.
type Event struct {
	Chain      Chain     `json:"chain"`
	Type       EventType `json:"type"`
	ContractID string    `json:"contract_id"`
	TxHash     string    `json:"tx_hash"`
	LogIndex   uint      `json:"log_index"`
	// Position is the block number (EVM) or checkpoint sequence (Move)
	// the event was observed at.
	Position   uint64    `json:"position"`
	ObservedAt time.Time `json:"observed_at"`

	// HTLC_CREATED fields.
	Sender              string          `json:"sender,omitempty"`
	Receiver            string          `json:"receiver,omitempty"`
	Token               string          `json:"token,omitempty"`
	Amount              decimal.Decimal `json:"amount,omitempty"`
	Hashlock            string          `json:"hashlock,omitempty"`
	Timelock            int64           `json:"timelock,omitempty"`
	CounterpartyChainID string          `json:"counterparty_chain_id,omitempty"`

	// HTLC_WITHDRAWN field.
	Preimage string `json:"preimage,omitempty"`
}

// Key returns the idempotency key of the event. Two observations of the
// same on-chain occurrence always produce the same key.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", e.Chain, e.ContractID, e.Type, e.TxHash, e.LogIndex)
}

// Validate checks that the event carries the fields its type requires.
// Observers must not publish events that fail validation.
func (e *Event) Validate() error {
	if !e.Chain.Valid() {
		return fmt.Errorf("unknown chain %q", e.Chain)
	}
	if e.ContractID == "" {
		return fmt.Errorf("missing contract id")
	}
	if e.TxHash == "" {
		return fmt.Errorf("missing tx hash")
	}

	switch e.Type {
	case EventCreated:
		if e.Hashlock == "" {
			return fmt.Errorf("created event missing hashlock")
		}
		if e.Timelock <= 0 {
			return fmt.Errorf("created event missing timelock")
		}
		if e.Amount.Sign() < 0 {
			return fmt.Errorf("created event has negative amount")
		}
	case EventWithdrawn:
		if e.Preimage == "" {
			return fmt.Errorf("withdrawn event missing preimage")
		}
	case EventRefunded:
		// Contract id and tx hash are enough.
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// NormalizeHex lowercases a hex string and guarantees a 0x prefix so that
// ids coming from different RPC encodings compare equal.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// StripHexPrefix removes a leading 0x/0X if present.
func StripHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
