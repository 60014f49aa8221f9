package htlc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a swap session.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusSourceLocked     Status = "SOURCE_LOCKED"
	StatusBothLocked       Status = "BOTH_LOCKED"
	StatusPreimageRevealed Status = "PREIMAGE_REVEALED"
	StatusCompleted        Status = "COMPLETED"
	StatusRefunded         Status = "REFUNDED"
	StatusFailed           Status = "FAILED"
)

// IsTerminal reports whether the status is absorbing. Once a swap enters a
// terminal status, only error_messages may still change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status regardless of case.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(s))
	switch status {
	case StatusPending, StatusSourceLocked, StatusBothLocked, StatusPreimageRevealed,
		StatusCompleted, StatusRefunded, StatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown swap status %q", s)
}

// transitions is the allowed-successor table of the swap state machine.
var transitions = map[Status][]Status{
	StatusPending:          {StatusSourceLocked, StatusFailed, StatusRefunded},
	StatusSourceLocked:     {StatusBothLocked, StatusRefunded, StatusFailed},
	StatusBothLocked:       {StatusPreimageRevealed, StatusRefunded, StatusFailed},
	StatusPreimageRevealed: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal states admit no successors.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Swap is one atomic cross-chain swap session: two HTLCs sharing a
// hashlock, at most one per chain.
type Swap struct {
	ID     string `json:"swap_id"`
	Status Status `json:"status"`

	Initiator string `json:"initiator"`
	Receiver  string `json:"receiver"`

	EVMContractID  string `json:"evm_contract_id,omitempty"`
	MoveContractID string `json:"move_contract_id,omitempty"`

	Hashlock string `json:"hashlock"`
	Preimage string `json:"preimage,omitempty"`

	Amount      decimal.Decimal `json:"amount"`
	TokenSource string          `json:"token_source,omitempty"`
	TokenTarget string          `json:"token_target,omitempty"`

	// Timelock is the absolute unix-seconds deadline observed on the
	// source side; ExpiresAt mirrors it as a timestamp.
	Timelock  int64     `json:"timelock"`
	ExpiresAt time.Time `json:"expires_at"`

	SourceChain  Chain  `json:"source_chain"`
	SourceTxHash string `json:"source_tx_hash,omitempty"`
	TargetTxHash string `json:"target_tx_hash,omitempty"`
	RefundTxHash string `json:"refund_tx_hash,omitempty"`

	RetryCount    int      `json:"retry_count"`
	MaxRetries    int      `json:"max_retries"`
	ErrorMessages []string `json:"error_messages,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SwapID derives the stable 16-hex-char session id from the source
// contract id and the hashlock: the first 8 bytes of
// SHA-256(contract_id || hashlock) over the normalized hex forms.
func SwapID(contractID, hashlock string) string {
	h := sha256.Sum256([]byte(NormalizeHex(contractID) + NormalizeHex(hashlock)))
	return hex.EncodeToString(h[:8])
}

// VerifyPreimage reports whether SHA-256(preimage) equals the hashlock.
// Both arguments are hex strings with or without a 0x prefix.
func VerifyPreimage(preimage, hashlock string) bool {
	raw, err := hex.DecodeString(StripHexPrefix(preimage))
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(StripHexPrefix(hashlock))
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256(raw)
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ContractID returns the contract id of the given side, empty if that side
// has not been observed yet.
func (s *Swap) ContractID(chain Chain) string {
	if chain == ChainEVM {
		return s.EVMContractID
	}
	return s.MoveContractID
}

// SetContractID fills the contract id of the given side.
func (s *Swap) SetContractID(chain Chain, id string) {
	if chain == ChainEVM {
		s.EVMContractID = id
		return
	}
	s.MoveContractID = id
}

// BothSidesLocked reports whether HTLCs were observed on both chains.
func (s *Swap) BothSidesLocked() bool {
	return s.EVMContractID != "" && s.MoveContractID != ""
}

// AppendError records a human-readable failure reason. It is the only
// mutation allowed on a terminal swap.
func (s *Swap) AppendError(msg string) {
	s.ErrorMessages = append(s.ErrorMessages, msg)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Swap) Clone() *Swap {
	cp := *s
	if s.ErrorMessages != nil {
		cp.ErrorMessages = append([]string(nil), s.ErrorMessages...)
	}
	return &cp
}
