package relayer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/cache"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

// workerQueueDepth bounds each partition queue; the dispatcher blocks
// when a partition falls this far behind.
const workerQueueDepth = 64

// maxRetryDelay caps the redelivery backoff for failed counter-claims.
const maxRetryDelay = time.Minute

// Update kinds attached to swap notifications so the hub can route them
// onto the right topics.
const (
	UpdateChainEvent = "chain_event"
	UpdateWithdrawal = "withdrawal"
	UpdateExpiry     = "expiry"
)

// Internal mutate guards; they abort a swap update without failing the
// event that triggered it.
var (
	errStaleSwap     = errors.New("swap state changed")
	errDuplicateSide = errors.New("duplicate htlc side")
)

// SwapNotifier fans swap lifecycle changes out to push subscribers.
// Implementations must not block. Satisfied by *push.Hub.
type SwapNotifier interface {
	SwapCreated(swap *htlc.Swap)
	SwapUpdated(swap *htlc.Swap, previous htlc.Status, kind string)
	SwapError(swap *htlc.Swap, message string)
}

// ClaimExecutor submits counter-withdrawals and refunds on a chain.
// Satisfied by *Executor.
type ClaimExecutor interface {
	Withdraw(ctx context.Context, chain htlc.Chain, contractID, preimage string) (string, error)
	Refund(ctx context.Context, chain htlc.Chain, contractID string) (string, error)
}

// Coordinator consumes the canonical event bus and drives every swap
// session through its state machine. Events are partitioned by hashlock
// onto a worker pool: same-swap events are serialized, different swaps
// proceed in parallel.
type Coordinator struct {
	store    storage.Store
	cache    *cache.Cache
	executor ClaimExecutor
	notifier SwapNotifier
	bus      *Bus
	logger   *zap.Logger

	workers         int
	maxRetries      int
	retryDelay      time.Duration
	maxTimelock     time.Duration
	sweepInterval   time.Duration
	enforceReceiver bool

	// hashlocks maps chain:contract_id to the owning hashlock so claim
	// events route to the same partition as the create that preceded
	// them, even when that create is still queued.
	mu        sync.Mutex
	hashlocks map[string]string

	retries sync.WaitGroup
}

// NewCoordinator wires a coordinator onto the bus and its collaborators.
// notifier may be nil when no push hub is running.
func NewCoordinator(
	store storage.Store,
	hot *cache.Cache,
	executor ClaimExecutor,
	notifier SwapNotifier,
	bus *Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *Coordinator {
	workers := cfg.Bus.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		store:           store,
		cache:           hot,
		executor:        executor,
		notifier:        notifier,
		bus:             bus,
		logger:          logger,
		workers:         workers,
		maxRetries:      cfg.Monitoring.MaxRetries,
		retryDelay:      cfg.Monitoring.RetryDelay.Std(),
		maxTimelock:     cfg.Expiry.MaxTimelock.Std(),
		sweepInterval:   cfg.Expiry.SweepInterval.Std(),
		enforceReceiver: cfg.Pairing.EnforceReceiver,
		hashlocks:       make(map[string]string),
	}
}

// Run bootstraps in-flight swaps, then dispatches bus events to the
// worker pool until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap coordinator: %w", err)
	}

	queues := make([]chan htlc.Event, c.workers)
	var workers sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan htlc.Event, workerQueueDepth)
		workers.Add(1)
		go func(queue <-chan htlc.Event) {
			defer workers.Done()
			for event := range queue {
				c.handle(ctx, event)
			}
		}(queues[i])
	}

	workers.Add(1)
	go func() {
		defer workers.Done()
		c.runSweeper(ctx)
	}()

	c.logger.Info("Coordinator started", zap.Int("workers", c.workers))

	for {
		select {
		case <-ctx.Done():
			for _, queue := range queues {
				close(queue)
			}
			workers.Wait()
			c.retries.Wait()
			c.logger.Info("Coordinator stopped")
			return nil
		case event := <-c.bus.Events():
			metrics.BusDepth.Set(float64(c.bus.Depth()))
			hashlock, ok := c.partition(ctx, event)
			if !ok {
				continue
			}
			select {
			case queues[partitionIndex(hashlock, c.workers)] <- event:
			case <-ctx.Done():
			}
		}
	}
}

// bootstrap reloads non-terminal swaps into the hot cache and the
// partition index, re-drives interrupted counter-withdrawals, and runs
// one expiry sweep so downtime-expired swaps settle immediately.
func (c *Coordinator) bootstrap(ctx context.Context) error {
	active := 0
	for _, status := range []htlc.Status{
		htlc.StatusPending,
		htlc.StatusSourceLocked,
		htlc.StatusBothLocked,
		htlc.StatusPreimageRevealed,
	} {
		swaps, err := c.store.ListSwaps(ctx, storage.WithStatus(status))
		if err != nil {
			return fmt.Errorf("failed to reload %s swaps: %w", status, err)
		}
		for _, swap := range swaps {
			c.cache.PutSwap(swap)
			if swap.EVMContractID != "" {
				c.remember(htlc.ChainEVM, swap.EVMContractID, swap.Hashlock)
			}
			if swap.MoveContractID != "" {
				c.remember(htlc.ChainMove, swap.MoveContractID, swap.Hashlock)
			}
			c.resume(ctx, swap)
			active++
		}
	}
	c.SweepExpired(ctx)
	c.logger.Info("Coordinator bootstrapped", zap.Int("active_swaps", active))
	return nil
}

// resume requeues the recorded reveal of a swap whose counter-withdrawal
// did not finish before the last shutdown. Redelivery is safe because
// withdrawal handling is idempotent.
func (c *Coordinator) resume(ctx context.Context, swap *htlc.Swap) {
	if swap.Status != htlc.StatusBothLocked && swap.Status != htlc.StatusPreimageRevealed {
		return
	}

	var ids []string
	if swap.EVMContractID != "" {
		ids = append(ids, swap.EVMContractID)
	}
	if swap.MoveContractID != "" {
		ids = append(ids, swap.MoveContractID)
	}
	events, err := c.store.EventsByContract(ctx, ids...)
	if err != nil {
		c.logger.Warn("Failed to load events for resume",
			zap.String("swap_id", swap.ID),
			zap.Error(err))
		return
	}

	for _, event := range events {
		if event.Type != htlc.EventWithdrawn {
			continue
		}
		if err := c.bus.Publish(ctx, event); err != nil {
			return
		}
		c.logger.Info("Requeued interrupted withdrawal",
			zap.String("swap_id", swap.ID),
			zap.String("event_key", event.Key()))
		return
	}
}

// partition resolves the hashlock an event belongs to. Created events
// carry it; claim events resolve their contract id through the local
// index, the hot cache, then the repository. Unresolvable claims are
// orphans: logged and dropped while the event itself stays recorded.
func (c *Coordinator) partition(ctx context.Context, event htlc.Event) (string, bool) {
	if event.Type == htlc.EventCreated {
		hashlock := htlc.NormalizeHex(event.Hashlock)
		c.remember(event.Chain, event.ContractID, hashlock)
		return hashlock, true
	}

	key := contractKey(event.Chain, event.ContractID)
	c.mu.Lock()
	hashlock, ok := c.hashlocks[key]
	c.mu.Unlock()
	if ok {
		return hashlock, true
	}

	if swap, cached := c.cache.GetSwapByContract(event.Chain, htlc.NormalizeHex(event.ContractID)); cached {
		c.remember(event.Chain, event.ContractID, swap.Hashlock)
		return swap.Hashlock, true
	}

	swap, err := c.store.GetSwapByContract(ctx, event.Chain, htlc.NormalizeHex(event.ContractID))
	if err != nil {
		if !errors.Is(err, storage.ErrSwapNotFound) {
			metrics.ErrorsTotal.WithLabelValues("coordinator", "partition").Inc()
			c.logger.Error("Failed to resolve event partition",
				zap.String("event_key", event.Key()),
				zap.Error(err))
			c.recordError(ctx, event, err)
			return "", false
		}
		c.logger.Info("Ignoring orphan event",
			zap.String("event_key", event.Key()),
			zap.String("type", string(event.Type)))
		return "", false
	}
	c.remember(event.Chain, event.ContractID, swap.Hashlock)
	return swap.Hashlock, true
}

func (c *Coordinator) handle(ctx context.Context, event htlc.Event) {
	start := time.Now()
	var err error
	switch event.Type {
	case htlc.EventCreated:
		err = c.handleCreated(ctx, event)
	case htlc.EventWithdrawn:
		err = c.handleWithdrawn(ctx, event)
	case htlc.EventRefunded:
		err = c.handleRefunded(ctx, event)
	}
	metrics.EventProcessingDuration.
		WithLabelValues(string(event.Chain), string(event.Type)).
		Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil {
		metrics.ErrorsTotal.WithLabelValues("coordinator", string(event.Type)).Inc()
		c.logger.Error("Failed to process event",
			zap.String("event_key", event.Key()),
			zap.Error(err))
		c.recordError(ctx, event, err)
	}
}

// handleCreated opens a new swap session, or pairs the event onto the
// session already holding its hashlock.
func (c *Coordinator) handleCreated(ctx context.Context, event htlc.Event) error {
	hashlock := htlc.NormalizeHex(event.Hashlock)

	existing, err := c.lookupByHashlock(ctx, hashlock)
	if err != nil {
		return err
	}
	if existing == nil {
		return c.openSwap(ctx, event, hashlock)
	}
	return c.pairSwap(ctx, existing.ID, event)
}

func (c *Coordinator) openSwap(ctx context.Context, event htlc.Event, hashlock string) error {
	now := time.Now().UTC()
	swap := &htlc.Swap{
		ID:           htlc.SwapID(event.ContractID, hashlock),
		Status:       htlc.StatusSourceLocked,
		Initiator:    event.Sender,
		Receiver:     event.Receiver,
		Hashlock:     hashlock,
		Amount:       event.Amount,
		TokenSource:  event.Token,
		Timelock:     event.Timelock,
		ExpiresAt:    time.Unix(event.Timelock, 0).UTC(),
		SourceChain:  event.Chain,
		SourceTxHash: event.TxHash,
		MaxRetries:   c.maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	swap.SetContractID(event.Chain, htlc.NormalizeHex(event.ContractID))

	reason := c.timelockViolation(event.Timelock, now)
	if reason != "" {
		swap.Status = htlc.StatusFailed
		swap.AppendError(reason)
	}

	if err := c.store.CreateSwap(ctx, swap); err != nil {
		if errors.Is(err, storage.ErrSwapExists) {
			c.logger.Info("Ignoring duplicate swap creation", zap.String("swap_id", swap.ID))
			return nil
		}
		return fmt.Errorf("failed to create swap: %w", err)
	}

	c.cache.PutSwap(swap)
	metrics.SwapTransitions.
		WithLabelValues(string(htlc.StatusPending), string(swap.Status)).Inc()
	c.logger.Info("Swap opened",
		zap.String("swap_id", swap.ID),
		zap.String("source_chain", string(event.Chain)),
		zap.String("hashlock", hashlock),
		zap.String("amount", event.Amount.String()),
		zap.String("status", string(swap.Status)))

	c.notifyCreated(swap)
	if swap.Status == htlc.StatusFailed {
		c.forget(swap)
		c.notifyError(swap, reason)
	}
	return nil
}

func (c *Coordinator) pairSwap(ctx context.Context, id string, event htlc.Event) error {
	var prev htlc.Status
	var reason string
	updated, err := c.store.UpdateSwap(ctx, id, func(swap *htlc.Swap) error {
		prev = swap.Status
		if swap.ContractID(event.Chain) != "" {
			return errDuplicateSide
		}
		swap.SetContractID(event.Chain, htlc.NormalizeHex(event.ContractID))
		swap.TokenTarget = event.Token

		reason = c.pairingViolation(swap, event)
		if reason != "" {
			swap.Status = htlc.StatusFailed
			swap.AppendError(reason)
			return nil
		}
		swap.Status = htlc.StatusBothLocked
		return nil
	})
	switch {
	case errors.Is(err, errDuplicateSide):
		c.logger.Warn("Ignoring second HTLC on an already-locked side",
			zap.String("swap_id", id),
			zap.String("chain", string(event.Chain)),
			zap.String("contract_id", event.ContractID))
		return nil
	case errors.Is(err, storage.ErrTerminalState), errors.Is(err, storage.ErrInvalidTransition):
		c.logger.Info("Ignoring counterpart lock in current state",
			zap.String("swap_id", id),
			zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("failed to pair swap: %w", err)
	}

	c.cache.PutSwap(updated)
	metrics.SwapTransitions.
		WithLabelValues(string(prev), string(updated.Status)).Inc()
	c.logger.Info("Swap paired",
		zap.String("swap_id", updated.ID),
		zap.String("chain", string(event.Chain)),
		zap.String("status", string(updated.Status)))

	c.notifyUpdated(updated, prev, UpdateChainEvent)
	if updated.Status == htlc.StatusFailed {
		c.forget(updated)
		c.notifyError(updated, reason)
	}

	// A preimage revealed before this side locked was parked on the
	// swap; requeue the recorded reveal so the claim proceeds now.
	if updated.Status == htlc.StatusBothLocked && updated.Preimage != "" {
		c.retries.Add(1)
		go func(s *htlc.Swap) {
			defer c.retries.Done()
			c.resume(ctx, s)
		}(updated)
	}
	return nil
}

// pairingViolation checks the compatibility rule between the stored
// session and the counterpart lock. Tokens may differ; cross-asset
// swaps are allowed.
func (c *Coordinator) pairingViolation(swap *htlc.Swap, event htlc.Event) string {
	if !swap.Amount.Equal(event.Amount) {
		return "pairing mismatch"
	}
	if c.enforceReceiver && !strings.EqualFold(swap.Receiver, event.Receiver) {
		return "pairing mismatch"
	}
	return ""
}

// handleWithdrawn verifies the revealed preimage, persists the reveal,
// and requests the counter-withdrawal on the opposite chain. Redelivery
// of the same event resumes wherever the previous attempt stopped.
func (c *Coordinator) handleWithdrawn(ctx context.Context, event htlc.Event) error {
	swap, err := c.lookupByContract(ctx, event.Chain, event.ContractID)
	if err != nil {
		return err
	}
	if swap == nil {
		c.logger.Info("Ignoring orphan withdrawal",
			zap.String("event_key", event.Key()))
		return nil
	}

	switch swap.Status {
	case htlc.StatusCompleted:
		return nil
	case htlc.StatusRefunded, htlc.StatusFailed:
		c.logger.Warn("Withdrawal observed on settled swap",
			zap.String("swap_id", swap.ID),
			zap.String("status", string(swap.Status)))
		return nil
	}

	preimage := htlc.NormalizeHex(event.Preimage)
	if !htlc.VerifyPreimage(preimage, swap.Hashlock) {
		c.logger.Warn("Preimage does not match hashlock",
			zap.String("swap_id", swap.ID),
			zap.String("tx_hash", event.TxHash))
		return c.failSwap(ctx, swap.ID, "preimage verification failed", UpdateChainEvent)
	}

	if swap.Status == htlc.StatusSourceLocked {
		// Reveal before the counterpart lock: keep the preimage, but
		// the session can only complete once the other side appears.
		updated, err := c.store.UpdateSwap(ctx, swap.ID, func(s *htlc.Swap) error {
			s.Preimage = preimage
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record early preimage: %w", err)
		}
		c.cache.PutSwap(updated)
		c.logger.Warn("Preimage revealed before counterpart lock",
			zap.String("swap_id", swap.ID))
		c.notifyUpdated(updated, swap.Status, UpdateChainEvent)
		return nil
	}

	current := swap
	if current.Status == htlc.StatusBothLocked {
		prev := current.Status
		updated, err := c.store.UpdateSwap(ctx, swap.ID, func(s *htlc.Swap) error {
			if s.Preimage == "" {
				s.Preimage = preimage
			}
			if s.Status == htlc.StatusBothLocked {
				s.Status = htlc.StatusPreimageRevealed
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, storage.ErrTerminalState) {
				return nil
			}
			return fmt.Errorf("failed to record preimage: %w", err)
		}
		c.cache.PutSwap(updated)
		metrics.SwapTransitions.
			WithLabelValues(string(prev), string(updated.Status)).Inc()
		c.logger.Info("Preimage revealed",
			zap.String("swap_id", updated.ID),
			zap.String("chain", string(event.Chain)))
		c.notifyUpdated(updated, prev, UpdateChainEvent)
		current = updated
	}

	if current.Status == htlc.StatusPreimageRevealed && current.BothSidesLocked() {
		return c.counterWithdraw(ctx, current, event)
	}
	return nil
}

// counterWithdraw claims the opposite lock with the revealed preimage
// and settles the session according to the executor's verdict.
func (c *Coordinator) counterWithdraw(ctx context.Context, swap *htlc.Swap, event htlc.Event) error {
	target := event.Chain.Other()
	contractID := swap.ContractID(target)

	txHash, err := c.executor.Withdraw(ctx, target, contractID, swap.Preimage)
	switch {
	case err == nil:
		return c.completeSwap(ctx, swap.ID, txHash)
	case errors.Is(err, ErrAlreadyWithdrawn):
		// Someone beat us to the claim; the funds moved, so the swap is done.
		c.logger.Info("Counterparty lock already withdrawn, reconciling",
			zap.String("swap_id", swap.ID))
		return c.completeSwap(ctx, swap.ID, "")
	case errors.Is(err, ErrAlreadyRefunded):
		return c.failSwap(ctx, swap.ID, "counterparty lock already refunded", UpdateWithdrawal)
	case errors.Is(err, ErrUnknownContract):
		return c.failSwap(ctx, swap.ID, "counterparty lock not found on chain", UpdateWithdrawal)
	case ctx.Err() != nil:
		// Shutdown mid-claim; bootstrap requeues the reveal on restart.
		return nil
	}
	return c.retryCounterWithdraw(ctx, swap.ID, event, err)
}

// retryCounterWithdraw bumps the swap's retry budget and schedules a
// redelivery of the reveal, failing the swap once the budget is spent.
func (c *Coordinator) retryCounterWithdraw(ctx context.Context, id string, event htlc.Event, cause error) error {
	var exhausted bool
	var attempt int
	updated, err := c.store.UpdateSwap(ctx, id, func(s *htlc.Swap) error {
		if s.Status != htlc.StatusPreimageRevealed {
			return errStaleSwap
		}
		s.RetryCount++
		attempt = s.RetryCount
		s.AppendError(fmt.Sprintf("withdraw attempt %d: %v", s.RetryCount, cause))
		if s.RetryCount >= s.MaxRetries {
			exhausted = true
			s.Status = htlc.StatusFailed
			s.AppendError("counter-withdrawal retries exhausted")
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleSwap) {
			return nil
		}
		return fmt.Errorf("failed to record withdraw retry: %w", err)
	}

	c.cache.PutSwap(updated)
	if exhausted {
		c.forget(updated)
		metrics.SwapTransitions.
			WithLabelValues(string(htlc.StatusPreimageRevealed), string(htlc.StatusFailed)).Inc()
		c.logger.Error("Counter-withdrawal retries exhausted",
			zap.String("swap_id", updated.ID),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		c.notifyUpdated(updated, htlc.StatusPreimageRevealed, UpdateWithdrawal)
		c.notifyError(updated, "counter-withdrawal retries exhausted")
		return nil
	}

	delay := retryDelay(c.retryDelay, attempt)
	c.logger.Warn("Counter-withdrawal failed, scheduling retry",
		zap.String("swap_id", updated.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	c.notifyUpdated(updated, htlc.StatusPreimageRevealed, UpdateWithdrawal)

	c.retries.Add(1)
	go func() {
		defer c.retries.Done()
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			if err := c.bus.Publish(ctx, event); err != nil && ctx.Err() == nil {
				c.logger.Warn("Failed to requeue withdrawal",
					zap.String("swap_id", id),
					zap.Error(err))
			}
		}
	}()
	return nil
}

// handleRefunded marks the session refunded. Refunds observed on swaps
// past the reveal are protocol violations of the counterparty contract
// and are ignored here; on-chain state stays authoritative.
func (c *Coordinator) handleRefunded(ctx context.Context, event htlc.Event) error {
	swap, err := c.lookupByContract(ctx, event.Chain, event.ContractID)
	if err != nil {
		return err
	}
	if swap == nil {
		c.logger.Info("Ignoring orphan refund",
			zap.String("event_key", event.Key()))
		return nil
	}

	var prev htlc.Status
	updated, err := c.store.UpdateSwap(ctx, swap.ID, func(s *htlc.Swap) error {
		prev = s.Status
		if s.Status == htlc.StatusRefunded {
			return errStaleSwap
		}
		s.Status = htlc.StatusRefunded
		s.RefundTxHash = event.TxHash
		return nil
	})
	switch {
	case errors.Is(err, errStaleSwap):
		return nil
	case errors.Is(err, storage.ErrTerminalState), errors.Is(err, storage.ErrInvalidTransition):
		c.logger.Warn("Ignoring refund in current state",
			zap.String("swap_id", swap.ID),
			zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("failed to record refund: %w", err)
	}

	c.cache.PutSwap(updated)
	c.forget(updated)
	metrics.SwapTransitions.
		WithLabelValues(string(prev), string(htlc.StatusRefunded)).Inc()
	c.logger.Info("Swap refunded",
		zap.String("swap_id", updated.ID),
		zap.String("chain", string(event.Chain)),
		zap.String("tx_hash", event.TxHash))
	c.notifyUpdated(updated, prev, UpdateChainEvent)
	return nil
}

// completeSwap settles the session after a successful counter-claim.
// An empty txHash records a completion reconciled from on-chain state.
func (c *Coordinator) completeSwap(ctx context.Context, id, txHash string) error {
	var prev htlc.Status
	updated, err := c.store.UpdateSwap(ctx, id, func(s *htlc.Swap) error {
		prev = s.Status
		if s.Status == htlc.StatusCompleted {
			return errStaleSwap
		}
		s.Status = htlc.StatusCompleted
		if txHash != "" {
			s.TargetTxHash = txHash
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleSwap) || errors.Is(err, storage.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("failed to complete swap: %w", err)
	}

	c.cache.PutSwap(updated)
	c.forget(updated)
	metrics.SwapTransitions.
		WithLabelValues(string(prev), string(htlc.StatusCompleted)).Inc()
	c.logger.Info("Swap completed",
		zap.String("swap_id", updated.ID),
		zap.String("target_tx_hash", txHash))
	c.notifyUpdated(updated, prev, UpdateWithdrawal)
	return nil
}

// failSwap moves a live session to FAILED with a reason. Sessions that
// settled in the meantime are left untouched.
func (c *Coordinator) failSwap(ctx context.Context, id, reason, kind string) error {
	var prev htlc.Status
	updated, err := c.store.UpdateSwap(ctx, id, func(s *htlc.Swap) error {
		prev = s.Status
		if s.Status.IsTerminal() {
			return errStaleSwap
		}
		s.Status = htlc.StatusFailed
		s.AppendError(reason)
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleSwap) || errors.Is(err, storage.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("failed to fail swap: %w", err)
	}

	c.cache.PutSwap(updated)
	c.forget(updated)
	metrics.SwapTransitions.
		WithLabelValues(string(prev), string(htlc.StatusFailed)).Inc()
	c.logger.Warn("Swap failed",
		zap.String("swap_id", updated.ID),
		zap.String("reason", reason))
	c.notifyUpdated(updated, prev, kind)
	c.notifyError(updated, reason)
	return nil
}

// Refund submits an operator-directed refund of the swap's source lock
// and records the resulting transaction hash. It is the admin surface
// entry point; the coordinator never refunds on its own. FAILED swaps
// stay FAILED with the hash on the error trail; live swaps move to
// REFUNDED.
func (c *Coordinator) Refund(ctx context.Context, id string) (*htlc.Swap, error) {
	swap, err := c.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	switch swap.Status {
	case htlc.StatusCompleted, htlc.StatusRefunded:
		return nil, fmt.Errorf("%w: %s", storage.ErrTerminalState, swap.Status)
	case htlc.StatusPreimageRevealed:
		return nil, fmt.Errorf("%w: %s -> %s",
			storage.ErrInvalidTransition, swap.Status, htlc.StatusRefunded)
	}

	chain := swap.SourceChain
	contractID := swap.ContractID(chain)
	if contractID == "" {
		return nil, fmt.Errorf("swap %s has no %s lock to refund", id, chain)
	}

	txHash, err := c.executor.Refund(ctx, chain, contractID)
	switch {
	case errors.Is(err, ErrAlreadyRefunded):
		c.logger.Info("Lock already refunded on chain, reconciling",
			zap.String("swap_id", id))
	case err != nil:
		return nil, fmt.Errorf("failed to refund swap %s: %w", id, err)
	}

	var prev htlc.Status
	updated, uerr := c.store.UpdateSwap(ctx, id, func(s *htlc.Swap) error {
		prev = s.Status
		if s.Status == htlc.StatusFailed {
			if txHash != "" {
				s.AppendError("operator refund submitted: " + txHash)
			} else {
				s.AppendError("operator refund: lock already refunded on chain")
			}
			return nil
		}
		s.Status = htlc.StatusRefunded
		s.RefundTxHash = txHash
		return nil
	})
	if uerr != nil {
		return nil, fmt.Errorf("refund submitted but not recorded: %w", uerr)
	}

	c.cache.PutSwap(updated)
	c.forget(updated)
	if prev != updated.Status {
		metrics.SwapTransitions.
			WithLabelValues(string(prev), string(updated.Status)).Inc()
	}
	c.logger.Info("Swap refunded by operator",
		zap.String("swap_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("tx_hash", txHash))
	c.notifyUpdated(updated, prev, UpdateWithdrawal)
	return updated, nil
}

// runSweeper fails timed-out swaps on a fixed interval.
func (c *Coordinator) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired(ctx)
		}
	}
}

// SweepExpired fails every non-terminal swap whose deadline has passed
// and refreshes the per-status gauge.
func (c *Coordinator) SweepExpired(ctx context.Context) {
	expired, err := c.store.ExpiredSwaps(ctx, time.Now().UTC())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("coordinator", "expiry_sweep").Inc()
		c.logger.Warn("Expiry sweep failed", zap.Error(err))
		return
	}
	for _, swap := range expired {
		if err := c.failSwap(ctx, swap.ID, "timeout", UpdateExpiry); err != nil {
			c.logger.Warn("Failed to expire swap",
				zap.String("swap_id", swap.ID),
				zap.Error(err))
		}
	}
	if len(expired) > 0 {
		c.logger.Info("Expiry sweep done", zap.Int("expired", len(expired)))
	}
	c.refreshStatusGauge(ctx)
}

func (c *Coordinator) refreshStatusGauge(ctx context.Context) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []htlc.Status{
		htlc.StatusPending,
		htlc.StatusSourceLocked,
		htlc.StatusBothLocked,
		htlc.StatusPreimageRevealed,
		htlc.StatusCompleted,
		htlc.StatusRefunded,
		htlc.StatusFailed,
	} {
		metrics.ActiveSwaps.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Coordinator) timelockViolation(timelock int64, now time.Time) string {
	deadline := time.Unix(timelock, 0)
	if !deadline.After(now) {
		return "timelock already expired"
	}
	if c.maxTimelock > 0 && deadline.After(now.Add(c.maxTimelock)) {
		return "timelock exceeds maximum"
	}
	return ""
}

func (c *Coordinator) lookupByHashlock(ctx context.Context, hashlock string) (*htlc.Swap, error) {
	if swap, ok := c.cache.GetSwapByHashlock(hashlock); ok {
		return swap, nil
	}
	swap, err := c.store.GetSwapByHashlock(ctx, hashlock)
	if errors.Is(err, storage.ErrSwapNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up swap by hashlock: %w", err)
	}
	return swap, nil
}

func (c *Coordinator) lookupByContract(ctx context.Context, chain htlc.Chain, contractID string) (*htlc.Swap, error) {
	contractID = htlc.NormalizeHex(contractID)
	if swap, ok := c.cache.GetSwapByContract(chain, contractID); ok {
		return swap, nil
	}
	swap, err := c.store.GetSwapByContract(ctx, chain, contractID)
	if errors.Is(err, storage.ErrSwapNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up swap by contract: %w", err)
	}
	return swap, nil
}

func (c *Coordinator) recordError(ctx context.Context, event htlc.Event, cause error) {
	if err := c.store.RecordError(ctx, event.Chain, event.Key(), "coordinator", cause.Error()); err != nil {
		c.logger.Warn("Failed to record event error",
			zap.String("event_key", event.Key()),
			zap.Error(err))
	}
}

func (c *Coordinator) remember(chain htlc.Chain, contractID, hashlock string) {
	c.mu.Lock()
	c.hashlocks[contractKey(chain, contractID)] = hashlock
	c.mu.Unlock()
}

// forget drops a settled swap's contract ids from the partition index.
func (c *Coordinator) forget(swap *htlc.Swap) {
	c.mu.Lock()
	if swap.EVMContractID != "" {
		delete(c.hashlocks, contractKey(htlc.ChainEVM, swap.EVMContractID))
	}
	if swap.MoveContractID != "" {
		delete(c.hashlocks, contractKey(htlc.ChainMove, swap.MoveContractID))
	}
	c.mu.Unlock()
}

func (c *Coordinator) notifyCreated(swap *htlc.Swap) {
	if c.notifier != nil {
		c.notifier.SwapCreated(swap.Clone())
	}
}

func (c *Coordinator) notifyUpdated(swap *htlc.Swap, prev htlc.Status, kind string) {
	if c.notifier != nil {
		c.notifier.SwapUpdated(swap.Clone(), prev, kind)
	}
}

func (c *Coordinator) notifyError(swap *htlc.Swap, message string) {
	if c.notifier != nil {
		c.notifier.SwapError(swap.Clone(), message)
	}
}

func contractKey(chain htlc.Chain, contractID string) string {
	return string(chain) + ":" + htlc.NormalizeHex(contractID)
}

func partitionIndex(hashlock string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(hashlock))
	return int(h.Sum32() % uint32(workers))
}

// retryDelay doubles the base delay per attempt, capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
