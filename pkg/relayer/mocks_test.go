package relayer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/cache"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

var (
	testPreimage = "0x" + strings.Repeat("ab", 32)
	testHashlock = func() string {
		raw, err := hex.DecodeString(strings.Repeat("ab", 32))
		if err != nil {
			panic(err)
		}
		sum := sha256.Sum256(raw)
		return "0x" + hex.EncodeToString(sum[:])
	}()
)

// memStore is an in-memory storage.Store with the same update semantics
// as the Postgres store: transition validation after mutate, absorbing
// terminal states, idempotent event inserts.
type memStore struct {
	mu       sync.Mutex
	swaps    map[string]*htlc.Swap
	events   []htlc.Event
	seen     map[string]bool
	cursors  map[htlc.Chain]uint64
	recorded []string
}

func newMemStore() *memStore {
	return &memStore{
		swaps:   make(map[string]*htlc.Swap),
		seen:    make(map[string]bool),
		cursors: make(map[htlc.Chain]uint64),
	}
}

func (m *memStore) CreateSwap(_ context.Context, swap *htlc.Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.swaps[swap.ID]; ok {
		return storage.ErrSwapExists
	}
	m.swaps[swap.ID] = swap.Clone()
	return nil
}

func (m *memStore) GetSwap(_ context.Context, id string) (*htlc.Swap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	swap, ok := m.swaps[id]
	if !ok {
		return nil, storage.ErrSwapNotFound
	}
	return swap.Clone(), nil
}

func (m *memStore) GetSwapByHashlock(_ context.Context, hashlock string) (*htlc.Swap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, swap := range m.swaps {
		if swap.Hashlock == hashlock {
			return swap.Clone(), nil
		}
	}
	return nil, storage.ErrSwapNotFound
}

func (m *memStore) GetSwapByContract(_ context.Context, chain htlc.Chain, contractID string) (*htlc.Swap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, swap := range m.swaps {
		if swap.ContractID(chain) == contractID {
			return swap.Clone(), nil
		}
	}
	return nil, storage.ErrSwapNotFound
}

func (m *memStore) UpdateSwap(_ context.Context, id string, mutate func(*htlc.Swap) error) (*htlc.Swap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.swaps[id]
	if !ok {
		return nil, storage.ErrSwapNotFound
	}

	swap := stored.Clone()
	prev := swap.Status
	if err := mutate(swap); err != nil {
		return nil, err
	}

	if swap.Status != prev {
		if prev.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", storage.ErrTerminalState, prev)
		}
		if !htlc.CanTransition(prev, swap.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, prev, swap.Status)
		}
	}

	swap.UpdatedAt = time.Now().UTC()
	if prev.IsTerminal() {
		restored := stored.Clone()
		restored.ErrorMessages = swap.ErrorMessages
		restored.UpdatedAt = swap.UpdatedAt
		swap = restored
	}

	m.swaps[id] = swap
	return swap.Clone(), nil
}

func (m *memStore) ListSwaps(_ context.Context, opts ...storage.ListOption) ([]*htlc.Swap, error) {
	options := &storage.ListOptions{}
	for _, opt := range opts {
		opt(options)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*htlc.Swap
	for _, swap := range m.swaps {
		if options.Status != nil && swap.Status != *options.Status {
			continue
		}
		out = append(out, swap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if options.Offset > 0 && options.Offset < len(out) {
		out = out[options.Offset:]
	} else if options.Offset >= len(out) {
		out = nil
	}
	if options.Limit > 0 && options.Limit < len(out) {
		out = out[:options.Limit]
	}
	return out, nil
}

func (m *memStore) ExpiredSwaps(_ context.Context, asOf time.Time) ([]*htlc.Swap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*htlc.Swap
	for _, swap := range m.swaps {
		if !swap.Status.IsTerminal() && !swap.ExpiresAt.After(asOf) {
			out = append(out, swap.Clone())
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[htlc.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[htlc.Status]int)
	for _, swap := range m.swaps {
		counts[swap.Status]++
	}
	return counts, nil
}

func (m *memStore) ApplyBatch(_ context.Context, chain htlc.Chain, events []htlc.Event, cursor uint64) ([]htlc.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fresh []htlc.Event
	for _, event := range events {
		if m.seen[event.Key()] {
			continue
		}
		m.seen[event.Key()] = true
		m.events = append(m.events, event)
		fresh = append(fresh, event)
	}
	if cursor > m.cursors[chain] {
		m.cursors[chain] = cursor
	}
	return fresh, nil
}

func (m *memStore) EventsByContract(_ context.Context, contractIDs ...string) ([]htlc.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []htlc.Event
	for _, event := range m.events {
		for _, id := range contractIDs {
			if event.ContractID == id {
				out = append(out, event)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Cursor(_ context.Context, chain htlc.Chain) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cursor, ok := m.cursors[chain]
	return cursor, ok, nil
}

func (m *memStore) SetCursor(_ context.Context, chain htlc.Chain, position uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position > m.cursors[chain] {
		m.cursors[chain] = position
	}
	return nil
}

func (m *memStore) RecordError(_ context.Context, _ htlc.Chain, eventKey, component, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, eventKey+" "+component+": "+message)
	return nil
}

// addEvent seeds a processed event without going through ApplyBatch.
func (m *memStore) addEvent(event htlc.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[event.Key()] = true
	m.events = append(m.events, event)
}

func (m *memStore) swap(t *testing.T, id string) *htlc.Swap {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	swap, ok := m.swaps[id]
	if !ok {
		t.Fatalf("swap %s not in store", id)
	}
	return swap.Clone()
}

// onlySwap returns the single stored swap, failing the test otherwise.
func (m *memStore) onlySwap(t *testing.T) *htlc.Swap {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.swaps) != 1 {
		t.Fatalf("store holds %d swaps, want 1", len(m.swaps))
	}
	for _, swap := range m.swaps {
		return swap.Clone()
	}
	return nil
}

type executorCall struct {
	op         string
	chain      htlc.Chain
	contractID string
	preimage   string
}

// mockExecutor records claim calls and delegates to optional func fields.
type mockExecutor struct {
	mu           sync.Mutex
	calls        []executorCall
	WithdrawFunc func(ctx context.Context, chain htlc.Chain, contractID, preimage string) (string, error)
	RefundFunc   func(ctx context.Context, chain htlc.Chain, contractID string) (string, error)
}

func (m *mockExecutor) Withdraw(ctx context.Context, chain htlc.Chain, contractID, preimage string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, executorCall{op: "withdraw", chain: chain, contractID: contractID, preimage: preimage})
	m.mu.Unlock()
	if m.WithdrawFunc != nil {
		return m.WithdrawFunc(ctx, chain, contractID, preimage)
	}
	return "0xcountertx", nil
}

func (m *mockExecutor) Refund(ctx context.Context, chain htlc.Chain, contractID string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, executorCall{op: "refund", chain: chain, contractID: contractID})
	m.mu.Unlock()
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, chain, contractID)
	}
	return "0xrefundtx", nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockExecutor) call(t *testing.T, i int) executorCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.calls) {
		t.Fatalf("executor has %d calls, want at least %d", len(m.calls), i+1)
	}
	return m.calls[i]
}

type notification struct {
	kind   string
	swapID string
	status htlc.Status
	prev   htlc.Status
	update string
	msg    string
}

// recordingNotifier captures notifications in delivery order.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (r *recordingNotifier) SwapCreated(swap *htlc.Swap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notification{kind: "created", swapID: swap.ID, status: swap.Status})
}

func (r *recordingNotifier) SwapUpdated(swap *htlc.Swap, prev htlc.Status, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notification{kind: "updated", swapID: swap.ID, status: swap.Status, prev: prev, update: kind})
}

func (r *recordingNotifier) SwapError(swap *htlc.Swap, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notification{kind: "error", swapID: swap.ID, status: swap.Status, msg: message})
}

func (r *recordingNotifier) all() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.notes...)
}

func (r *recordingNotifier) byKind(kind string) []notification {
	var out []notification
	for _, n := range r.all() {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	hot, err := cache.New(config.CacheConfig{
		SwapCapacity: 128,
		EventTTL:     config.Duration(time.Minute),
		QueryTTL:     config.Duration(time.Minute),
	}, time.Minute)
	if err != nil {
		t.Fatalf("cache.New() failed: %v", err)
	}
	return hot
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Bus.Capacity = 64
	cfg.Bus.Workers = 2
	cfg.Monitoring.MaxRetries = 3
	cfg.Monitoring.RetryDelay = config.Duration(5 * time.Millisecond)
	cfg.Expiry.SweepInterval = config.Duration(time.Hour)
	cfg.Expiry.MaxTimelock = config.Duration(365 * 24 * time.Hour)
	return cfg
}

type testHarness struct {
	coordinator *Coordinator
	store       *memStore
	cache       *cache.Cache
	executor    *mockExecutor
	notifier    *recordingNotifier
	bus         *Bus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := newMemStore()
	executor := &mockExecutor{}
	notifier := &recordingNotifier{}
	bus := NewBus(64)
	hot := newTestCache(t)
	coordinator := NewCoordinator(store, hot, executor, notifier, bus, newTestConfig(), zap.NewNop())
	return &testHarness{
		coordinator: coordinator,
		store:       store,
		cache:       hot,
		executor:    executor,
		notifier:    notifier,
		bus:         bus,
	}
}

// createdEvent builds a valid HTLC_CREATED observation.
func createdEvent(chain htlc.Chain, contractID string, timelock int64) htlc.Event {
	return htlc.Event{
		Chain:      chain,
		Type:       htlc.EventCreated,
		ContractID: contractID,
		TxHash:     "0xtx-" + string(chain) + "-create",
		LogIndex:   1,
		Position:   100,
		ObservedAt: time.Now().UTC(),
		Sender:     "0xsender",
		Receiver:   "0xreceiver",
		Token:      "0xtoken-" + string(chain),
		Amount:     decimal.NewFromInt(1000),
		Hashlock:   testHashlock,
		Timelock:   timelock,
	}
}

func withdrawnEvent(chain htlc.Chain, contractID, preimage string) htlc.Event {
	return htlc.Event{
		Chain:      chain,
		Type:       htlc.EventWithdrawn,
		ContractID: contractID,
		TxHash:     "0xtx-" + string(chain) + "-withdraw",
		LogIndex:   2,
		Position:   110,
		ObservedAt: time.Now().UTC(),
		Preimage:   preimage,
	}
}

func refundedEvent(chain htlc.Chain, contractID string) htlc.Event {
	return htlc.Event{
		Chain:      chain,
		Type:       htlc.EventRefunded,
		ContractID: contractID,
		TxHash:     "0xtx-" + string(chain) + "-refund",
		LogIndex:   3,
		Position:   120,
		ObservedAt: time.Now().UTC(),
	}
}

// waitFor polls until check passes or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}
