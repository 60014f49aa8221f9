package move

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

// backfillPause spaces historical pages so public RPC rate limits are
// not exhausted at startup.
const backfillPause = 250 * time.Millisecond

// Event type suffixes emitted by the htlc Move module.
const (
	createdSuffix   = "::htlc::HTLCCreated"
	withdrawnSuffix = "::htlc::HTLCWithdrawn"
	refundedSuffix  = "::htlc::HTLCRefunded"
)

// Backend is the read-side RPC surface the observer polls. Satisfied by
// *Client.
type Backend interface {
	LatestCheckpoint(ctx context.Context) (uint64, error)
	Checkpoints(ctx context.Context, after *uint64, limit uint64) (*CheckpointPage, error)
	TransactionBlocks(ctx context.Context, digests []string) ([]TransactionBlock, error)
}

// Publisher receives canonical events freshly accepted by the event store.
type Publisher interface {
	Publish(ctx context.Context, event htlc.Event) error
}

// Observer tails the HTLC package checkpoint by checkpoint and turns
// its Move events into canonical events. Checkpoints are final, so the
// cursor window needs no confirmation margin.
type Observer struct {
	rpc       Backend
	packageID string
	store     storage.EventStore
	bus       Publisher
	logger    *zap.Logger

	startCheckpoint uint64
	batchSize       uint64
	backfill        uint64
	pollInterval    time.Duration
	retryDelay      time.Duration
	maxRetries      int

	mu      sync.Mutex
	cursor  uint64
	primed  atomic.Bool
	healthy atomic.Bool
	lag     atomic.Uint64
}

// NewObserver wires an observer onto an existing client.
func NewObserver(client *Client, store storage.EventStore, bus Publisher, cfg config.MonitoringConfig, logger *zap.Logger) *Observer {
	return &Observer{
		rpc:             client,
		packageID:       client.config.PackageID,
		store:           store,
		bus:             bus,
		logger:          logger,
		startCheckpoint: client.config.StartCheckpoint,
		batchSize:       cfg.BatchSizeMove,
		backfill:        cfg.BackfillBlocks,
		pollInterval:    cfg.PollInterval.Std(),
		retryDelay:      cfg.RetryDelay.Std(),
		maxRetries:      cfg.MaxRetries,
	}
}

// Healthy reports whether the last sweep succeeded.
func (o *Observer) Healthy() bool {
	return o.healthy.Load()
}

// Cursor returns the last fully processed checkpoint sequence number.
func (o *Observer) Cursor() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursor
}

// Lag reports how many checkpoints the head led the cursor at the last
// sweep.
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
		metrics.ErrorsTotal.WithLabelValues("move_observer", "prime").Inc()
		o.logger.Warn("Move observer has no cursor yet, retrying",
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

	o.logger.Info("Move observer polling",
		zap.String("package", o.packageID),
		zap.Duration("interval", o.pollInterval))

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Move observer stopped", zap.Uint64("cursor", o.Cursor()))
			return nil
		case <-ticker.C:
			o.sweepAndReport(ctx)
		}
	}
}

// Prime establishes the starting cursor. The stored cursor wins over
// the configured start checkpoint; with neither, tailing starts at the
// current head and history is left to the backfill. Priming again
// after success is a no-op.
func (o *Observer) Prime(ctx context.Context) error {
	if o.primed.Load() {
		return nil
	}
	position, ok, err := o.store.Cursor(ctx, htlc.ChainMove)
	if err != nil {
		return fmt.Errorf("failed to load move cursor: %w", err)
	}
	switch {
	case ok:
		o.setCursor(position)
		o.logger.Info("Resuming Move observer from stored cursor", zap.Uint64("checkpoint", position))
	case o.startCheckpoint > 0:
		o.setCursor(o.startCheckpoint - 1)
		o.logger.Info("Starting Move observer from configured checkpoint", zap.Uint64("checkpoint", o.startCheckpoint))
	default:
		head, err := o.rpc.LatestCheckpoint(ctx)
		if err != nil {
			return fmt.Errorf("failed to get latest checkpoint: %w", err)
		}
		o.setCursor(head)
		o.logger.Info("Starting Move observer at chain head", zap.Uint64("checkpoint", head))
	}
	o.primed.Store(true)
	return nil
}

func (o *Observer) sweepAndReport(ctx context.Context) {
	if err := o.sweepWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.healthy.Store(false)
		metrics.ErrorsTotal.WithLabelValues("move_observer", "sweep").Inc()
		o.logger.Warn("Move sweep failed", zap.Error(err))
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

// sweep processes every checkpoint between the cursor and the head.
func (o *Observer) sweep(ctx context.Context) error {
	head, err := o.rpc.LatestCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	if head <= o.Cursor() {
		o.lag.Store(0)
		metrics.ObserverLag.WithLabelValues(string(htlc.ChainMove)).Set(0)
		return nil
	}

	for o.Cursor() < head {
		cursor := o.Cursor()
		limit := o.batchSize
		if remaining := head - cursor; remaining < limit {
			limit = remaining
		}

		page, err := o.rpc.Checkpoints(ctx, &cursor, limit)
		if err != nil {
			return fmt.Errorf("failed to get checkpoints after %d: %w", cursor, err)
		}
		if len(page.Data) == 0 {
			break
		}

		last := uint64(page.Data[len(page.Data)-1].SequenceNumber)
		if _, err := o.processPage(ctx, page.Data, last); err != nil {
			return err
		}
		o.setCursor(last)
	}
	// A page can overshoot head when checkpoints land mid-sweep.
	var lag uint64
	if cursor := o.Cursor(); head > cursor {
		lag = head - cursor
	}
	o.lag.Store(lag)
	metrics.ObserverLag.WithLabelValues(string(htlc.ChainMove)).Set(float64(lag))
	return nil
}

// processPage fetches the transactions of one checkpoint page, records
// their HTLC events, and publishes whatever the store has not seen
// before. cursorPos is handed to the store unchanged; live sweeps pass
// the page end while backfill passes the current cursor so history
// cannot move it.
func (o *Observer) processPage(ctx context.Context, checkpoints []Checkpoint, cursorPos uint64) (int, error) {
	var digests []string
	for _, cp := range checkpoints {
		digests = append(digests, cp.Transactions...)
	}

	var events []htlc.Event
	if len(digests) > 0 {
		blocks, err := o.rpc.TransactionBlocks(ctx, digests)
		if err != nil {
			return 0, fmt.Errorf("failed to get transaction blocks: %w", err)
		}
		for _, block := range blocks {
			for _, raw := range block.Events {
				event, ok, err := o.translate(block, raw)
				if err != nil {
					o.logger.Warn("Dropping undecodable Move event",
						zap.String("tx_digest", block.Digest),
						zap.Uint64("event_seq", uint64(raw.ID.EventSeq)),
						zap.Error(err))
					o.recordError(ctx, raw, err)
					continue
				}
				if !ok {
					continue
				}
				events = append(events, event)
			}
		}
	}

	fresh, err := o.store.ApplyBatch(ctx, htlc.ChainMove, events, cursorPos)
	if err != nil {
		return 0, fmt.Errorf("failed to apply event batch: %w", err)
	}

	if duplicates := len(events) - len(fresh); duplicates > 0 {
		metrics.EventsDuplicate.WithLabelValues(string(htlc.ChainMove)).Add(float64(duplicates))
	}
	for _, event := range fresh {
		metrics.EventsObserved.WithLabelValues(string(htlc.ChainMove), string(event.Type)).Inc()
		if err := o.bus.Publish(ctx, event); err != nil {
			return 0, fmt.Errorf("failed to publish event %s: %w", event.Key(), err)
		}
	}
	if len(fresh) > 0 {
		o.logger.Info("Applied Move events",
			zap.Uint64("from", uint64(checkpoints[0].SequenceNumber)),
			zap.Uint64("to", uint64(checkpoints[len(checkpoints)-1].SequenceNumber)),
			zap.Int("fresh", len(fresh)),
			zap.Int("total", len(events)))
	}
	return len(fresh), nil
}

// runBackfill replays recent history once so locks that predate the
// cursor still enter the store. Pages reuse the live path but pass the
// unchanged cursor; overlap with live tailing dedupes in the store.
func (o *Observer) runBackfill(ctx context.Context) {
	end, err := o.rpc.LatestCheckpoint(ctx)
	if err != nil {
		o.logger.Warn("Move backfill skipped", zap.Error(err))
		return
	}
	if end == 0 {
		return
	}
	var from uint64
	if end > o.backfill {
		from = end - o.backfill
	}
	o.logger.Info("Backfilling Move history", zap.Uint64("from", from), zap.Uint64("to", end))

	var applied int
	next := from
	for next <= end {
		var after *uint64
		if next > 0 {
			prev := next - 1
			after = &prev
		}
		limit := o.batchSize
		if remaining := end - next + 1; remaining < limit {
			limit = remaining
		}

		page, err := o.rpc.Checkpoints(ctx, after, limit)
		if err != nil || len(page.Data) == 0 {
			if ctx.Err() != nil {
				return
			}
			metrics.ErrorsTotal.WithLabelValues("move_observer", "backfill").Inc()
			o.logger.Warn("Move backfill page failed",
				zap.Uint64("from", next),
				zap.Error(err))
			next += limit
			continue
		}

		n, err := o.processPage(ctx, page.Data, o.Cursor())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ErrorsTotal.WithLabelValues("move_observer", "backfill").Inc()
			o.logger.Warn("Move backfill page failed",
				zap.Uint64("from", next),
				zap.Error(err))
		}
		applied += n
		next = uint64(page.Data[len(page.Data)-1].SequenceNumber) + 1

		select {
		case <-ctx.Done():
			return
		case <-time.After(backfillPause):
		}
	}
	o.logger.Info("Move backfill complete",
		zap.Uint64("from", from),
		zap.Uint64("to", end),
		zap.Int("applied", applied))
}

// translate maps a raw Move event to the canonical event form. ok is
// false for events outside the watched package or module.
func (o *Observer) translate(block TransactionBlock, raw Event) (htlc.Event, bool, error) {
	if !samePackage(raw.PackageID, o.packageID) {
		return htlc.Event{}, false, nil
	}

	event := htlc.Event{
		Chain:      htlc.ChainMove,
		TxHash:     block.Digest,
		LogIndex:   uint(raw.ID.EventSeq),
		Position:   uint64(block.Checkpoint),
		ObservedAt: time.Now().UTC(),
	}

	switch {
	case strings.HasSuffix(raw.Type, createdSuffix):
		var f createdFields
		if err := json.Unmarshal(raw.ParsedJSON, &f); err != nil {
			return htlc.Event{}, false, fmt.Errorf("failed to parse HTLCCreated event: %w", err)
		}
		event.Type = htlc.EventCreated
		event.ContractID = f.ContractID.Hex()
		event.Sender = strings.ToLower(f.Sender)
		event.Receiver = strings.ToLower(f.Receiver)
		event.Token = f.Token
		event.Amount = decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(f.Amount)), 0)
		event.Hashlock = f.Hashlock.Hex()
		// The htlc module stores timelocks in Clock milliseconds.
		event.Timelock = int64(f.Timelock) / 1000
		event.CounterpartyChainID = f.TargetChainID
	case strings.HasSuffix(raw.Type, withdrawnSuffix):
		var f withdrawnFields
		if err := json.Unmarshal(raw.ParsedJSON, &f); err != nil {
			return htlc.Event{}, false, fmt.Errorf("failed to parse HTLCWithdrawn event: %w", err)
		}
		event.Type = htlc.EventWithdrawn
		event.ContractID = f.ContractID.Hex()
		event.Preimage = f.Preimage.Hex()
	case strings.HasSuffix(raw.Type, refundedSuffix):
		var f refundedFields
		if err := json.Unmarshal(raw.ParsedJSON, &f); err != nil {
			return htlc.Event{}, false, fmt.Errorf("failed to parse HTLCRefunded event: %w", err)
		}
		event.Type = htlc.EventRefunded
		event.ContractID = f.ContractID.Hex()
	default:
		return htlc.Event{}, false, nil
	}

	if err := event.Validate(); err != nil {
		return htlc.Event{}, false, err
	}
	return event, true, nil
}

func (o *Observer) recordError(ctx context.Context, raw Event, cause error) {
	key := fmt.Sprintf("%s:%d", raw.ID.TxDigest, uint64(raw.ID.EventSeq))
	if err := o.store.RecordError(ctx, htlc.ChainMove, key, "move_observer", cause.Error()); err != nil {
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
	metrics.ObserverCursor.WithLabelValues(string(htlc.ChainMove)).Set(float64(position))
}

// samePackage compares two Sui addresses ignoring case, 0x prefixes and
// leading zero padding.
func samePackage(a, b string) bool {
	return trimAddress(a) == trimAddress(b)
}

func trimAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	return strings.TrimLeft(addr, "0")
}
