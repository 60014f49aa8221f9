package move

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Uint64String decodes Sui RPC numeric fields, which arrive as decimal
// strings ("1628") or, from some gateways, as plain JSON numbers.
type Uint64String uint64

// UnmarshalJSON implements json.Unmarshaler.
func (u *Uint64String) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*u = Uint64String(v)
		return nil
	}

	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid numeric value %s", data)
	}
	*u = Uint64String(v)
	return nil
}

// MarshalJSON implements json.Marshaler; Sui expects decimal strings.
func (u Uint64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

// HexBytes decodes Move byte-vector fields. Depending on how the HTLC
// package declares the field, parsedJson carries either a 0x-hex string
// or a JSON array of byte values; both are accepted.
type HexBytes []byte

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		raw, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid hex string %q: %w", s, err)
		}
		*h = raw
		return nil
	}

	var nums []uint16
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("invalid byte vector %s", data)
	}
	raw := make([]byte, len(nums))
	for i, n := range nums {
		if n > 0xff {
			return fmt.Errorf("byte vector element %d out of range", n)
		}
		raw[i] = byte(n)
	}
	*h = raw
	return nil
}

// Hex returns the 0x-prefixed lowercase hex form, empty for no bytes.
func (h HexBytes) Hex() string {
	if len(h) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(h)
}

// Checkpoint is one entry of a sui_getCheckpoints page.
type Checkpoint struct {
	SequenceNumber Uint64String `json:"sequenceNumber"`
	Digest         string       `json:"digest"`
	TimestampMs    Uint64String `json:"timestampMs"`
	Transactions   []string     `json:"transactions"`
}

// CheckpointPage is the paged response of sui_getCheckpoints.
type CheckpointPage struct {
	Data        []Checkpoint `json:"data"`
	NextCursor  *string      `json:"nextCursor"`
	HasNextPage bool         `json:"hasNextPage"`
}

// EventID identifies one event within a transaction block.
type EventID struct {
	TxDigest string       `json:"txDigest"`
	EventSeq Uint64String `json:"eventSeq"`
}

// Event is a Move event as returned with showEvents: true.
type Event struct {
	ID                EventID         `json:"id"`
	PackageID         string          `json:"packageId"`
	TransactionModule string          `json:"transactionModule"`
	Sender            string          `json:"sender"`
	Type              string          `json:"type"`
	ParsedJSON        json.RawMessage `json:"parsedJson"`
	TimestampMs       Uint64String    `json:"timestampMs"`
}

// TransactionBlock is one entry of a sui_multiGetTransactionBlocks
// response, restricted to the fields the observer reads.
type TransactionBlock struct {
	Digest     string       `json:"digest"`
	Events     []Event      `json:"events"`
	Checkpoint Uint64String `json:"checkpoint"`
	Effects    *Effects     `json:"effects,omitempty"`
}

// Effects carries the execution status of a transaction block.
type Effects struct {
	Status ExecutionStatus `json:"status"`
}

// ExecutionStatus is effects.status of an executed transaction.
type ExecutionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Succeeded reports whether the transaction executed successfully.
func (s ExecutionStatus) Succeeded() bool {
	return s.Status == "success"
}

// TransactionBytes is the unsafe_moveCall response: BCS transaction
// data ready for signing.
type TransactionBytes struct {
	TxBytes string `json:"txBytes"`
}

// ExecuteResult is the sui_executeTransactionBlock response.
type ExecuteResult struct {
	Digest  string   `json:"digest"`
	Effects *Effects `json:"effects"`
}

// ObjectData is the content of a sui_getObject response.
type ObjectData struct {
	ObjectID string         `json:"objectId"`
	Version  Uint64String   `json:"version"`
	Content  *ObjectContent `json:"content,omitempty"`
}

// ObjectContent holds the decoded Move struct of an object.
type ObjectContent struct {
	DataType string          `json:"dataType"`
	Type     string          `json:"type"`
	Fields   json.RawMessage `json:"fields"`
}

// ObjectResponse wraps sui_getObject results; exactly one of Data or
// Error is set.
type ObjectResponse struct {
	Data  *ObjectData  `json:"data,omitempty"`
	Error *ObjectError `json:"error,omitempty"`
}

// ObjectError describes why an object could not be fetched.
type ObjectError struct {
	Code     string `json:"code"`
	ObjectID string `json:"object_id,omitempty"`
}

// createdFields is the parsedJson payload of an HTLCCreated event.
type createdFields struct {
	ContractID    HexBytes     `json:"contract_id"`
	Sender        string       `json:"sender"`
	Receiver      string       `json:"receiver"`
	Token         string       `json:"token"`
	Amount        Uint64String `json:"amount"`
	Hashlock      HexBytes     `json:"hashlock"`
	Timelock      Uint64String `json:"timelock"`
	TargetChainID string       `json:"target_chain_id"`
}

// withdrawnFields is the parsedJson payload of an HTLCWithdrawn event.
type withdrawnFields struct {
	ContractID HexBytes `json:"contract_id"`
	Preimage   HexBytes `json:"preimage"`
}

// refundedFields is the parsedJson payload of an HTLCRefunded event.
type refundedFields struct {
	ContractID HexBytes `json:"contract_id"`
}

// lockFields is the decoded state of an on-chain HTLC lock object.
type lockFields struct {
	Withdrawn bool `json:"withdrawn"`
	Refunded  bool `json:"refunded"`
}
