package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

// SwapDao is a data access object that maps directly to the 'swaps' table in PostgreSQL.
type SwapDao struct {
	bun.BaseModel  `bun:"table:swaps,alias:sw"`
	ID             string          `bun:"id,pk,type:varchar(16)"`
	Status         string          `bun:"status,notnull,type:varchar(24)"`
	Initiator      string          `bun:"initiator,nullzero,type:varchar(128)"`
	Receiver       string          `bun:"receiver,nullzero,type:varchar(128)"`
	EVMContractID  string          `bun:"evm_contract_id,nullzero,type:varchar(80)"`
	MoveContractID string          `bun:"move_contract_id,nullzero,type:varchar(80)"`
	Hashlock       string          `bun:"hashlock,notnull,type:varchar(66)"`
	Preimage       string          `bun:"preimage,nullzero,type:varchar(130)"`
	Amount         decimal.Decimal `bun:"amount,notnull,type:numeric(78,0)"`
	TokenSource    string          `bun:"token_source,nullzero,type:varchar(128)"`
	TokenTarget    string          `bun:"token_target,nullzero,type:varchar(128)"`
	Timelock       int64           `bun:"timelock,notnull"`
	ExpiresAt      time.Time       `bun:"expires_at,notnull"`
	SourceChain    string          `bun:"source_chain,notnull,type:varchar(8)"`
	SourceTxHash   string          `bun:"source_tx_hash,nullzero,type:varchar(80)"`
	TargetTxHash   string          `bun:"target_tx_hash,nullzero,type:varchar(80)"`
	RefundTxHash   string          `bun:"refund_tx_hash,nullzero,type:varchar(80)"`
	RetryCount     int             `bun:"retry_count,notnull,default:0"`
	MaxRetries     int             `bun:"max_retries,notnull,default:3"`
	ErrorMessages  []string        `bun:"error_messages,array,nullzero,type:text[]"`
	CreatedAt      time.Time       `bun:"created_at,notnull,nullzero,default:current_timestamp"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}

// ProcessedEventDao is a data access object that maps directly to the
// 'processed_events' table in PostgreSQL. The five-column unique group is
// the event idempotency key.
type ProcessedEventDao struct {
	bun.BaseModel       `bun:"table:processed_events,alias:pe"`
	ID                  int64           `bun:"id,pk,autoincrement"`
	Chain               string          `bun:"chain,notnull,type:varchar(8),unique:uq_processed_events_key"`
	ContractID          string          `bun:"contract_id,notnull,type:varchar(80),unique:uq_processed_events_key"`
	EventType           string          `bun:"event_type,notnull,type:varchar(24),unique:uq_processed_events_key"`
	TxHash              string          `bun:"tx_hash,notnull,type:varchar(80),unique:uq_processed_events_key"`
	LogIndex            uint            `bun:"log_index,notnull,unique:uq_processed_events_key"`
	Position            uint64          `bun:"position,notnull"`
	ObservedAt          time.Time       `bun:"observed_at,notnull,nullzero,default:current_timestamp"`
	Sender              string          `bun:"sender,nullzero,type:varchar(128)"`
	Receiver            string          `bun:"receiver,nullzero,type:varchar(128)"`
	Token               string          `bun:"token,nullzero,type:varchar(128)"`
	Amount              decimal.Decimal `bun:"amount,notnull,type:numeric(78,0)"`
	Hashlock            string          `bun:"hashlock,nullzero,type:varchar(66)"`
	Timelock            int64           `bun:"timelock,notnull,default:0"`
	CounterpartyChainID string          `bun:"counterparty_chain_id,nullzero,type:varchar(32)"`
	Preimage            string          `bun:"preimage,nullzero,type:varchar(130)"`
	CreatedAt           time.Time       `bun:"created_at,notnull,nullzero,default:current_timestamp"`
}

// ChainCursorDao is a data access object that maps directly to the 'chain_cursors' table in PostgreSQL.
type ChainCursorDao struct {
	bun.BaseModel `bun:"table:chain_cursors,alias:cc"`
	Chain         string    `bun:"chain,pk,type:varchar(8)"`
	Position      uint64    `bun:"position,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}

// EventErrorDao is a data access object that maps directly to the 'event_errors' table in PostgreSQL.
type EventErrorDao struct {
	bun.BaseModel `bun:"table:event_errors,alias:ee"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Chain         string    `bun:"chain,notnull,type:varchar(8)"`
	EventKey      string    `bun:"event_key,notnull,type:varchar(255)"`
	Component     string    `bun:"component,notnull,type:varchar(64)"`
	Message       string    `bun:"message,notnull,type:text"`
	CreatedAt     time.Time `bun:"created_at,notnull,nullzero,default:current_timestamp"`
}

// toSwapDao converts an htlc.Swap to SwapDao.
func toSwapDao(swap *htlc.Swap) *SwapDao {
	return &SwapDao{
		ID:             swap.ID,
		Status:         string(swap.Status),
		Initiator:      swap.Initiator,
		Receiver:       swap.Receiver,
		EVMContractID:  swap.EVMContractID,
		MoveContractID: swap.MoveContractID,
		Hashlock:       swap.Hashlock,
		Preimage:       swap.Preimage,
		Amount:         swap.Amount,
		TokenSource:    swap.TokenSource,
		TokenTarget:    swap.TokenTarget,
		Timelock:       swap.Timelock,
		ExpiresAt:      swap.ExpiresAt,
		SourceChain:    string(swap.SourceChain),
		SourceTxHash:   swap.SourceTxHash,
		TargetTxHash:   swap.TargetTxHash,
		RefundTxHash:   swap.RefundTxHash,
		RetryCount:     swap.RetryCount,
		MaxRetries:     swap.MaxRetries,
		ErrorMessages:  swap.ErrorMessages,
		CreatedAt:      swap.CreatedAt,
		UpdatedAt:      swap.UpdatedAt,
	}
}

// toSwap converts a SwapDao to htlc.Swap.
func toSwap(dao *SwapDao) *htlc.Swap {
	return &htlc.Swap{
		ID:             dao.ID,
		Status:         htlc.Status(dao.Status),
		Initiator:      dao.Initiator,
		Receiver:       dao.Receiver,
		EVMContractID:  dao.EVMContractID,
		MoveContractID: dao.MoveContractID,
		Hashlock:       dao.Hashlock,
		Preimage:       dao.Preimage,
		Amount:         dao.Amount,
		TokenSource:    dao.TokenSource,
		TokenTarget:    dao.TokenTarget,
		Timelock:       dao.Timelock,
		ExpiresAt:      dao.ExpiresAt,
		SourceChain:    htlc.Chain(dao.SourceChain),
		SourceTxHash:   dao.SourceTxHash,
		TargetTxHash:   dao.TargetTxHash,
		RefundTxHash:   dao.RefundTxHash,
		RetryCount:     dao.RetryCount,
		MaxRetries:     dao.MaxRetries,
		ErrorMessages:  dao.ErrorMessages,
		CreatedAt:      dao.CreatedAt,
		UpdatedAt:      dao.UpdatedAt,
	}
}

// toProcessedEventDao converts an htlc.Event to ProcessedEventDao.
func toProcessedEventDao(ev *htlc.Event) *ProcessedEventDao {
	return &ProcessedEventDao{
		Chain:               string(ev.Chain),
		ContractID:          ev.ContractID,
		EventType:           string(ev.Type),
		TxHash:              ev.TxHash,
		LogIndex:            ev.LogIndex,
		Position:            ev.Position,
		ObservedAt:          ev.ObservedAt,
		Sender:              ev.Sender,
		Receiver:            ev.Receiver,
		Token:               ev.Token,
		Amount:              ev.Amount,
		Hashlock:            ev.Hashlock,
		Timelock:            ev.Timelock,
		CounterpartyChainID: ev.CounterpartyChainID,
		Preimage:            ev.Preimage,
	}
}

// toEvent converts a ProcessedEventDao to htlc.Event.
func toEvent(dao *ProcessedEventDao) htlc.Event {
	return htlc.Event{
		Chain:               htlc.Chain(dao.Chain),
		Type:                htlc.EventType(dao.EventType),
		ContractID:          dao.ContractID,
		TxHash:              dao.TxHash,
		LogIndex:            dao.LogIndex,
		Position:            dao.Position,
		ObservedAt:          dao.ObservedAt,
		Sender:              dao.Sender,
		Receiver:            dao.Receiver,
		Token:               dao.Token,
		Amount:              dao.Amount,
		Hashlock:            dao.Hashlock,
		Timelock:            dao.Timelock,
		CounterpartyChainID: dao.CounterpartyChainID,
		Preimage:            dao.Preimage,
	}
}
