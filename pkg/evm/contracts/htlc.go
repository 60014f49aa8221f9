// Package contracts holds the hand-written binding for the HTLC escrow
// contract. The ABI covers only what the relayer touches: the three
// lifecycle events plus the withdraw, refund, and getContract entrypoints.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// HTLCABI is the fragment of the escrow contract ABI used by the relayer.
// Declared inline so the binding does not depend on an external ABI file.
const HTLCABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "contractId",    "type": "bytes32"},
      {"indexed": true,  "name": "sender",        "type": "address"},
      {"indexed": true,  "name": "receiver",      "type": "address"},
      {"indexed": false, "name": "token",         "type": "address"},
      {"indexed": false, "name": "amount",        "type": "uint256"},
      {"indexed": false, "name": "hashlock",      "type": "bytes32"},
      {"indexed": false, "name": "timelock",      "type": "uint256"},
      {"indexed": false, "name": "targetChainId", "type": "string"}
    ],
    "name": "Deposit",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true,  "name": "contractId", "type": "bytes32"},
      {"indexed": false, "name": "preimage",   "type": "bytes32"}
    ],
    "name": "Withdraw",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "contractId", "type": "bytes32"}
    ],
    "name": "Refund",
    "type": "event"
  },
  {
    "inputs": [
      {"name": "contractId", "type": "bytes32"},
      {"name": "preimage",   "type": "bytes32"}
    ],
    "name": "withdraw",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "contractId", "type": "bytes32"}],
    "name": "refund",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"name": "contractId", "type": "bytes32"}],
    "name": "getContract",
    "outputs": [
      {"name": "sender",    "type": "address"},
      {"name": "receiver",  "type": "address"},
      {"name": "token",     "type": "address"},
      {"name": "amount",    "type": "uint256"},
      {"name": "hashlock",  "type": "bytes32"},
      {"name": "timelock",  "type": "uint256"},
      {"name": "withdrawn", "type": "bool"},
      {"name": "refunded",  "type": "bool"},
      {"name": "preimage",  "type": "bytes32"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

// HTLC wraps a deployed HTLC escrow contract.
type HTLC struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewHTLC binds the contract at address to the given backend. A nil
// backend is valid for log parsing only.
func NewHTLC(address common.Address, backend bind.ContractBackend) (*HTLC, error) {
	parsed, err := abi.JSON(strings.NewReader(HTLCABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	return &HTLC{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address returns the bound contract address.
func (h *HTLC) Address() common.Address {
	return h.address
}

// ABI returns the parsed contract ABI.
func (h *HTLC) ABI() abi.ABI {
	return h.abi
}

// DepositID returns the topic hash of the Deposit event.
func (h *HTLC) DepositID() common.Hash {
	return h.abi.Events["Deposit"].ID
}

// WithdrawID returns the topic hash of the Withdraw event.
func (h *HTLC) WithdrawID() common.Hash {
	return h.abi.Events["Withdraw"].ID
}

// RefundID returns the topic hash of the Refund event.
func (h *HTLC) RefundID() common.Hash {
	return h.abi.Events["Refund"].ID
}

// HTLCDeposit is emitted when a new hash time lock is funded.
type HTLCDeposit struct {
	ContractId    [32]byte
	Sender        common.Address
	Receiver      common.Address
	Token         common.Address
	Amount        *big.Int
	Hashlock      [32]byte
	Timelock      *big.Int
	TargetChainId string
	Raw           types.Log
}

// HTLCWithdraw is emitted when the receiver claims the lock, revealing
// the preimage.
type HTLCWithdraw struct {
	ContractId [32]byte
	Preimage   [32]byte
	Raw        types.Log
}

// HTLCRefund is emitted when the sender reclaims an expired lock.
type HTLCRefund struct {
	ContractId [32]byte
	Raw        types.Log
}

// ParseDeposit unpacks a raw log into a Deposit event.
func (h *HTLC) ParseDeposit(log types.Log) (*HTLCDeposit, error) {
	event := new(HTLCDeposit)
	if err := h.contract.UnpackLog(event, "Deposit", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseWithdraw unpacks a raw log into a Withdraw event.
func (h *HTLC) ParseWithdraw(log types.Log) (*HTLCWithdraw, error) {
	event := new(HTLCWithdraw)
	if err := h.contract.UnpackLog(event, "Withdraw", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParseRefund unpacks a raw log into a Refund event.
func (h *HTLC) ParseRefund(log types.Log) (*HTLCRefund, error) {
	event := new(HTLCRefund)
	if err := h.contract.UnpackLog(event, "Refund", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// Withdraw claims the locked funds by revealing the preimage.
func (h *HTLC) Withdraw(opts *bind.TransactOpts, contractId [32]byte, preimage [32]byte) (*types.Transaction, error) {
	return h.contract.Transact(opts, "withdraw", contractId, preimage)
}

// Refund returns the locked funds to the sender after the timelock passes.
func (h *HTLC) Refund(opts *bind.TransactOpts, contractId [32]byte) (*types.Transaction, error) {
	return h.contract.Transact(opts, "refund", contractId)
}

// ContractState mirrors the getContract view return values.
type ContractState struct {
	Sender    common.Address
	Receiver  common.Address
	Token     common.Address
	Amount    *big.Int
	Hashlock  [32]byte
	Timelock  *big.Int
	Withdrawn bool
	Refunded  bool
	Preimage  [32]byte
}

// Exists reports whether the contract id is known on-chain.
func (s ContractState) Exists() bool {
	return s.Sender != (common.Address{})
}

// GetContract reads the stored lock state for a contract id.
func (h *HTLC) GetContract(opts *bind.CallOpts, contractId [32]byte) (ContractState, error) {
	var out []interface{}
	if err := h.contract.Call(opts, &out, "getContract", contractId); err != nil {
		return ContractState{}, err
	}
	return ContractState{
		Sender:    *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Receiver:  *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Token:     *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Amount:    abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		Hashlock:  *abi.ConvertType(out[4], new([32]byte)).(*[32]byte),
		Timelock:  abi.ConvertType(out[5], new(big.Int)).(*big.Int),
		Withdrawn: *abi.ConvertType(out[6], new(bool)).(*bool),
		Refunded:  *abi.ConvertType(out[7], new(bool)).(*bool),
		Preimage:  *abi.ConvertType(out[8], new([32]byte)).(*[32]byte),
	}, nil
}
