package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/evm/contracts"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

// backfillPause spaces historical batches so public RPC rate limits are
// not exhausted at startup.
const backfillPause = 250 * time.Millisecond

// Backend is the read-side RPC surface the observer polls. Satisfied by
// *ethclient.Client.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// StreamBackend supports live log subscriptions (push endpoints).
type StreamBackend interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Publisher receives canonical events freshly accepted by the event store.
type Publisher interface {
	Publish(ctx context.Context, event htlc.Event) error
}

// Observer tails the HTLC contract and turns confirmed logs into
// canonical events. A live subscription, when available, only wakes the
// observer early; every event is read through the confirmed cursor
// window, so streaming and polling share one write path.
type Observer struct {
	rpc    Backend
	stream StreamBackend
	htlc   *contracts.HTLC
	store  storage.EventStore
	bus    Publisher
	logger *zap.Logger

	startBlock    uint64
	confirmations uint64
	batchSize     uint64
	backfill      uint64
	pollInterval  time.Duration
	retryDelay    time.Duration
	maxRetries    int

	mu      sync.Mutex
	cursor  uint64
	primed  atomic.Bool
	healthy atomic.Bool
	lag     atomic.Uint64
}

// NewObserver wires an observer onto an existing client.
func NewObserver(client *Client, store storage.EventStore, bus Publisher, cfg config.MonitoringConfig, logger *zap.Logger) *Observer {
	o := &Observer{
		rpc:           client.RPC(),
		htlc:          client.HTLC(),
		store:         store,
		bus:           bus,
		logger:        logger,
		startBlock:    client.config.StartBlock,
		confirmations: client.config.Confirmations,
		batchSize:     cfg.BatchSizeEVM,
		backfill:      cfg.BackfillBlocks,
		pollInterval:  cfg.PollInterval.Std(),
		retryDelay:    cfg.RetryDelay.Std(),
		maxRetries:    cfg.MaxRetries,
	}
	if push := client.PushRPC(); push != nil {
		o.stream = push
	}
	return o
}

// Healthy reports whether the last sweep succeeded.
func (o *Observer) Healthy() bool {
	return o.healthy.Load()
}

// Cursor returns the last fully processed block number.
func (o *Observer) Cursor() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursor
}

// Lag reports how many blocks the chain head led the confirmed window
// at the last sweep.
func (o *Observer) Lag() uint64 {
	return o.lag.Load()
}

// Run drives the observer until ctx is cancelled. Priming is retried
// here, so a node that is down at startup degrades only this chain.
func (o *Observer) Run(ctx context.Context) error {
	for {
		err := o.Prime(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.ErrorsTotal.WithLabelValues("evm_observer", "prime").Inc()
		o.logger.Warn("EVM observer has no cursor yet, retrying",
			zap.Error(err),
			zap.Duration("delay", o.retryDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.retryDelay):
		}
	}
	o.healthy.Store(true)

	if o.backfill > 0 {
		go o.runBackfill(ctx)
	}

	for {
		var err error
		if o.stream != nil {
			err = o.runStreaming(ctx)
		} else {
			err = o.runPolling(ctx)
		}
		if ctx.Err() != nil {
			o.logger.Info("EVM observer stopped", zap.Uint64("cursor", o.Cursor()))
			return nil
		}
		o.healthy.Store(false)
		metrics.ErrorsTotal.WithLabelValues("evm_observer", "stream").Inc()
		o.logger.Warn("EVM observer loop failed, reconnecting",
			zap.Error(err),
			zap.Duration("delay", o.retryDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.retryDelay):
		}
	}
}

// Prime establishes the starting cursor. The stored cursor wins over
// the configured start block; with neither, tailing starts at the
// current confirmed head and history is left to the backfill. Priming
// again after success is a no-op.
func (o *Observer) Prime(ctx context.Context) error {
	if o.primed.Load() {
		return nil
	}
	position, ok, err := o.store.Cursor(ctx, htlc.ChainEVM)
	if err != nil {
		return fmt.Errorf("failed to load evm cursor: %w", err)
	}
	switch {
	case ok:
		o.setCursor(position)
		o.logger.Info("Resuming EVM observer from stored cursor", zap.Uint64("block", position))
	case o.startBlock > 0:
		o.setCursor(o.startBlock - 1)
		o.logger.Info("Starting EVM observer from configured block", zap.Uint64("block", o.startBlock))
	default:
		head, err := o.rpc.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get chain head: %w", err)
		}
		o.setCursor(confirmedHead(head, o.confirmations))
		o.logger.Info("Starting EVM observer at chain head", zap.Uint64("block", head))
	}
	o.primed.Store(true)
	return nil
}

// runStreaming subscribes to contract logs and sweeps whenever a log
// arrives or the safety ticker fires. Returns on subscription failure.
func (o *Observer) runStreaming(ctx context.Context) error {
	query := ethereum.FilterQuery{Addresses: []common.Address{o.htlc.Address()}}
	logs := make(chan types.Log, 128)

	sub, err := o.stream.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		o.logger.Warn("Log subscription unavailable, falling back to polling", zap.Error(err))
		return o.runPolling(ctx)
	}
	defer sub.Unsubscribe()

	o.logger.Info("EVM observer subscribed",
		zap.String("contract", o.htlc.Address().Hex()),
		zap.Uint64("confirmations", o.confirmations))

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("log subscription dropped: %w", err)
		case <-logs:
			// Streamed logs are unconfirmed; they only signal that the
			// confirmed window may have grown.
			drainLogs(logs)
			o.sweepAndReport(ctx)
		case <-ticker.C:
			o.sweepAndReport(ctx)
		}
	}
}

func (o *Observer) runPolling(ctx context.Context) error {
	o.logger.Info("EVM observer polling",
		zap.String("contract", o.htlc.Address().Hex()),
		zap.Duration("interval", o.pollInterval))

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sweepAndReport(ctx)
		}
	}
}

func (o *Observer) sweepAndReport(ctx context.Context) {
	if err := o.sweepWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.healthy.Store(false)
		metrics.ErrorsTotal.WithLabelValues("evm_observer", "sweep").Inc()
		o.logger.Warn("EVM sweep failed", zap.Error(err))
		return
	}
	o.healthy.Store(true)
}

func (o *Observer) sweepWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retryDelay
	return backoff.Retry(func() error {
		return o.sweep(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.maxRetries)), ctx))
}

// sweep processes every block between the cursor and the confirmed head.
func (o *Observer) sweep(ctx context.Context) error {
	head, err := o.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	safe := confirmedHead(head, o.confirmations)
	cursor := o.Cursor()
	if safe <= cursor {
		o.lag.Store(0)
		metrics.ObserverLag.WithLabelValues(string(htlc.ChainEVM)).Set(0)
		return nil
	}

	for from := cursor + 1; from <= safe; from += o.batchSize {
		to := from + o.batchSize - 1
		if to > safe {
			to = safe
		}
		if _, err := o.processRange(ctx, from, to, to); err != nil {
			return err
		}
		o.setCursor(to)
	}
	o.lag.Store(head - safe)
	metrics.ObserverLag.WithLabelValues(string(htlc.ChainEVM)).Set(float64(head - safe))
	return nil
}

// processRange fetches the logs of one block window, records them, and
// publishes whatever the store has not seen before. cursorPos is handed
// to the store unchanged; live sweeps pass the window end while backfill
// passes the current cursor so history cannot move it.
func (o *Observer) processRange(ctx context.Context, from, to, cursorPos uint64) (int, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{o.htlc.Address()},
	}
	rawLogs, err := o.rpc.FilterLogs(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	events := make([]htlc.Event, 0, len(rawLogs))
	for _, raw := range rawLogs {
		if raw.Removed {
			o.logger.Debug("Skipping removed log", zap.String("tx_hash", raw.TxHash.Hex()))
			continue
		}
		event, ok, err := o.translate(raw)
		if err != nil {
			o.logger.Warn("Dropping undecodable log",
				zap.String("tx_hash", raw.TxHash.Hex()),
				zap.Uint("log_index", raw.Index),
				zap.Error(err))
			o.recordError(ctx, raw, err)
			continue
		}
		if !ok {
			continue
		}
		events = append(events, event)
	}

	fresh, err := o.store.ApplyBatch(ctx, htlc.ChainEVM, events, cursorPos)
	if err != nil {
		return 0, fmt.Errorf("failed to apply event batch: %w", err)
	}

	if duplicates := len(events) - len(fresh); duplicates > 0 {
		metrics.EventsDuplicate.WithLabelValues(string(htlc.ChainEVM)).Add(float64(duplicates))
	}
	for _, event := range fresh {
		metrics.EventsObserved.WithLabelValues(string(htlc.ChainEVM), string(event.Type)).Inc()
		if err := o.bus.Publish(ctx, event); err != nil {
			return 0, fmt.Errorf("failed to publish event %s: %w", event.Key(), err)
		}
	}
	if len(fresh) > 0 {
		o.logger.Info("Applied EVM events",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("fresh", len(fresh)),
			zap.Int("total", len(events)))
	}
	return len(fresh), nil
}

// runBackfill replays recent history once so deposits that predate the
// cursor still enter the store. Batches reuse the live path but pass the
// unchanged cursor; overlap with live tailing dedupes in the store.
func (o *Observer) runBackfill(ctx context.Context) {
	head, err := o.rpc.BlockNumber(ctx)
	if err != nil {
		o.logger.Warn("EVM backfill skipped", zap.Error(err))
		return
	}
	// The window ends at the confirmed head; the last few blocks belong
	// to the live window and may still reorg.
	end := confirmedHead(head, o.confirmations)
	if end == 0 {
		return
	}
	var from uint64
	if end > o.backfill {
		from = end - o.backfill
	}
	o.logger.Info("Backfilling EVM history", zap.Uint64("from", from), zap.Uint64("to", end))

	var applied int
	for start := from; start <= end; start += o.batchSize {
		stop := start + o.batchSize - 1
		if stop > end {
			stop = end
		}
		n, err := o.processRange(ctx, start, stop, o.Cursor())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ErrorsTotal.WithLabelValues("evm_observer", "backfill").Inc()
			o.logger.Warn("EVM backfill batch failed",
				zap.Uint64("from", start),
				zap.Uint64("to", stop),
				zap.Error(err))
		}
		applied += n

		select {
		case <-ctx.Done():
			return
		case <-time.After(backfillPause):
		}
	}
	o.logger.Info("EVM backfill complete",
		zap.Uint64("from", from),
		zap.Uint64("to", end),
		zap.Int("applied", applied))
}

// translate maps a raw contract log to the canonical event form. ok is
// false for logs that are not HTLC lifecycle events.
func (o *Observer) translate(raw types.Log) (htlc.Event, bool, error) {
	if len(raw.Topics) == 0 {
		return htlc.Event{}, false, nil
	}
	event := htlc.Event{
		Chain:      htlc.ChainEVM,
		TxHash:     strings.ToLower(raw.TxHash.Hex()),
		LogIndex:   raw.Index,
		Position:   raw.BlockNumber,
		ObservedAt: time.Now().UTC(),
	}

	switch raw.Topics[0] {
	case o.htlc.DepositID():
		deposit, err := o.htlc.ParseDeposit(raw)
		if err != nil {
			return htlc.Event{}, false, fmt.Errorf("failed to parse Deposit log: %w", err)
		}
		event.Type = htlc.EventCreated
		event.ContractID = hexutil.Encode(deposit.ContractId[:])
		event.Sender = strings.ToLower(deposit.Sender.Hex())
		event.Receiver = strings.ToLower(deposit.Receiver.Hex())
		event.Token = strings.ToLower(deposit.Token.Hex())
		event.Amount = decimal.NewFromBigInt(deposit.Amount, 0)
		event.Hashlock = hexutil.Encode(deposit.Hashlock[:])
		event.Timelock = deposit.Timelock.Int64()
		event.CounterpartyChainID = deposit.TargetChainId
	case o.htlc.WithdrawID():
		withdraw, err := o.htlc.ParseWithdraw(raw)
		if err != nil {
			return htlc.Event{}, false, fmt.Errorf("failed to parse Withdraw log: %w", err)
		}
		event.Type = htlc.EventWithdrawn
		event.ContractID = hexutil.Encode(withdraw.ContractId[:])
		event.Preimage = hexutil.Encode(withdraw.Preimage[:])
	case o.htlc.RefundID():
		refund, err := o.htlc.ParseRefund(raw)
		if err != nil {
			return htlc.Event{}, false, fmt.Errorf("failed to parse Refund log: %w", err)
		}
		event.Type = htlc.EventRefunded
		event.ContractID = hexutil.Encode(refund.ContractId[:])
	default:
		return htlc.Event{}, false, nil
	}

	if err := event.Validate(); err != nil {
		return htlc.Event{}, false, err
	}
	return event, true, nil
}

func (o *Observer) recordError(ctx context.Context, raw types.Log, cause error) {
	key := fmt.Sprintf("%s:%d", strings.ToLower(raw.TxHash.Hex()), raw.Index)
	if err := o.store.RecordError(ctx, htlc.ChainEVM, key, "evm_observer", cause.Error()); err != nil {
		o.logger.Warn("Failed to record event error", zap.String("event_key", key), zap.Error(err))
	}
}

func (o *Observer) setCursor(position uint64) {
	o.mu.Lock()
	if position > o.cursor {
		o.cursor = position
	}
	position = o.cursor
	o.mu.Unlock()
	metrics.ObserverCursor.WithLabelValues(string(htlc.ChainEVM)).Set(float64(position))
}

func confirmedHead(head, confirmations uint64) uint64 {
	if head < confirmations {
		return 0
	}
	return head - confirmations
}

func drainLogs(ch <-chan types.Log) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
