package evm

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/evm/contracts"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

type fakeBackend struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	from := q.FromBlock.Uint64()
	to := q.ToBlock.Uint64()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeEventStore struct {
	mu        sync.Mutex
	seen      map[string]bool
	cursor    uint64
	hasCursor bool
	errorKeys []string
}

var _ storage.EventStore = (*fakeEventStore)(nil)

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{seen: make(map[string]bool)}
}

func (f *fakeEventStore) ApplyBatch(_ context.Context, _ htlc.Chain, events []htlc.Event, cursor uint64) ([]htlc.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fresh []htlc.Event
	for _, event := range events {
		key := event.Key()
		if f.seen[key] {
			continue
		}
		f.seen[key] = true
		fresh = append(fresh, event)
	}
	if !f.hasCursor || cursor > f.cursor {
		f.cursor = cursor
	}
	f.hasCursor = true
	return fresh, nil
}

func (f *fakeEventStore) EventsByContract(_ context.Context, _ ...string) ([]htlc.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) Cursor(_ context.Context, _ htlc.Chain) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, f.hasCursor, nil
}

func (f *fakeEventStore) SetCursor(_ context.Context, _ htlc.Chain, position uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = position
	f.hasCursor = true
	return nil
}

func (f *fakeEventStore) RecordError(_ context.Context, _ htlc.Chain, eventKey, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorKeys = append(f.errorKeys, eventKey)
	return nil
}

func (f *fakeEventStore) storedCursor() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

type fakePublisher struct {
	mu     sync.Mutex
	events []htlc.Event
}

func (f *fakePublisher) Publish(_ context.Context, event htlc.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) published() []htlc.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]htlc.Event(nil), f.events...)
}

func newTestObserver(t *testing.T, backend *fakeBackend, store *fakeEventStore, bus *fakePublisher) *Observer {
	t.Helper()
	binding, err := contracts.NewHTLC(common.HexToAddress("0x59b670e9fa9d0a427751af201d676719a970857b"), nil)
	if err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}
	return &Observer{
		rpc:           backend,
		htlc:          binding,
		store:         store,
		bus:           bus,
		logger:        zap.NewNop(),
		confirmations: 12,
		batchSize:     1000,
		pollInterval:  10 * time.Millisecond,
		retryDelay:    time.Millisecond,
		maxRetries:    1,
	}
}

func depositLog(t *testing.T, binding *contracts.HTLC, block uint64, logIndex uint, seed byte) types.Log {
	t.Helper()
	var contractID, hashlock [32]byte
	contractID[0] = seed
	hashlock[0] = 0xcc

	data, err := binding.ABI().Events["Deposit"].Inputs.NonIndexed().Pack(
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
		big.NewInt(5000000),
		hashlock,
		big.NewInt(1900000000),
		"101",
	)
	if err != nil {
		t.Fatalf("failed to pack deposit data: %v", err)
	}
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return types.Log{
		Address: binding.Address(),
		Topics: []common.Hash{
			binding.DepositID(),
			common.BytesToHash(contractID[:]),
			common.BytesToHash(common.LeftPadBytes(sender.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(receiver.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100 + uint64(logIndex)))),
		Index:       logIndex,
	}
}

func withdrawLog(t *testing.T, binding *contracts.HTLC, block uint64, logIndex uint, seed byte) types.Log {
	t.Helper()
	var contractID, preimage [32]byte
	contractID[0] = seed
	preimage[0] = 0xdd

	data, err := binding.ABI().Events["Withdraw"].Inputs.NonIndexed().Pack(preimage)
	if err != nil {
		t.Fatalf("failed to pack withdraw data: %v", err)
	}
	return types.Log{
		Address:     binding.Address(),
		Topics:      []common.Hash{binding.WithdrawID(), common.BytesToHash(contractID[:])},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100 + uint64(logIndex)))),
		Index:       logIndex,
	}
}

func TestTranslateDeposit(t *testing.T) {
	o := newTestObserver(t, &fakeBackend{}, newFakeEventStore(), &fakePublisher{})

	event, ok, err := o.translate(depositLog(t, o.htlc, 10, 2, 0xaa))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected deposit log to translate")
	}
	if event.Type != htlc.EventCreated || event.Chain != htlc.ChainEVM {
		t.Errorf("unexpected type/chain: %s/%s", event.Type, event.Chain)
	}
	if event.ContractID != "0xaa00000000000000000000000000000000000000000000000000000000000000" {
		t.Errorf("unexpected contract id %s", event.ContractID)
	}
	if event.Sender != "0x1111111111111111111111111111111111111111" {
		t.Errorf("unexpected sender %s", event.Sender)
	}
	if event.Amount.String() != "5000000" {
		t.Errorf("unexpected amount %s", event.Amount)
	}
	if event.Timelock != 1900000000 {
		t.Errorf("unexpected timelock %d", event.Timelock)
	}
	if event.CounterpartyChainID != "101" {
		t.Errorf("unexpected counterparty chain %s", event.CounterpartyChainID)
	}
	if event.Position != 10 || event.LogIndex != 2 {
		t.Errorf("unexpected position %d / log index %d", event.Position, event.LogIndex)
	}
}

func TestTranslateWithdrawCarriesPreimage(t *testing.T) {
	o := newTestObserver(t, &fakeBackend{}, newFakeEventStore(), &fakePublisher{})

	event, ok, err := o.translate(withdrawLog(t, o.htlc, 11, 0, 0xaa))
	if err != nil || !ok {
		t.Fatalf("translate failed: ok=%v err=%v", ok, err)
	}
	if event.Type != htlc.EventWithdrawn {
		t.Errorf("unexpected type %s", event.Type)
	}
	if event.Preimage != "0xdd00000000000000000000000000000000000000000000000000000000000000" {
		t.Errorf("unexpected preimage %s", event.Preimage)
	}
}

func TestTranslateIgnoresForeignLogs(t *testing.T) {
	o := newTestObserver(t, &fakeBackend{}, newFakeEventStore(), &fakePublisher{})

	_, ok, err := o.translate(types.Log{
		Topics: []common.Hash{common.HexToHash("0x1234")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("foreign log should not translate")
	}
}

func TestSweepAppliesConfirmedWindow(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 99
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := &fakeBackend{head: 1120}
	o := newTestObserver(t, backend, store, bus)

	backend.logs = []types.Log{
		depositLog(t, o.htlc, 100, 0, 0x01),
		withdrawLog(t, o.htlc, 1105, 1, 0x01),
		depositLog(t, o.htlc, 1115, 0, 0x02), // above the confirmed head
	}

	ctx := context.Background()
	if err := o.Prime(ctx); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	if err := o.sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	events := bus.published()
	if len(events) != 2 {
		t.Fatalf("expected 2 confirmed events, got %d", len(events))
	}
	if events[0].Type != htlc.EventCreated || events[1].Type != htlc.EventWithdrawn {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if got := o.Cursor(); got != 1108 {
		t.Errorf("expected cursor 1108, got %d", got)
	}
	if got := store.storedCursor(); got != 1108 {
		t.Errorf("expected stored cursor 1108, got %d", got)
	}
	// 1000-block batch size splits the window in two.
	if len(backend.queries) != 2 {
		t.Errorf("expected 2 filter queries, got %d", len(backend.queries))
	}
}

func TestSweepDropsDuplicates(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 99
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := &fakeBackend{head: 200}
	o := newTestObserver(t, backend, store, bus)

	log := depositLog(t, o.htlc, 100, 0, 0x01)
	backend.logs = []types.Log{log}

	event, ok, err := o.translate(log)
	if err != nil || !ok {
		t.Fatalf("translate failed: ok=%v err=%v", ok, err)
	}
	store.seen[event.Key()] = true

	ctx := context.Background()
	if err := o.Prime(ctx); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	if err := o.sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if got := bus.published(); len(got) != 0 {
		t.Errorf("duplicate event reached the bus: %+v", got)
	}
	if got := o.Cursor(); got != 188 {
		t.Errorf("expected cursor 188, got %d", got)
	}
}

func TestSweepSkipsRemovedLogs(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 99
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := &fakeBackend{head: 200}
	o := newTestObserver(t, backend, store, bus)

	log := depositLog(t, o.htlc, 100, 0, 0x01)
	log.Removed = true
	backend.logs = []types.Log{log}

	ctx := context.Background()
	if err := o.Prime(ctx); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	if err := o.sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if got := bus.published(); len(got) != 0 {
		t.Errorf("removed log reached the bus: %+v", got)
	}
}

func TestBackfillDoesNotRewindCursor(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 5000
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := &fakeBackend{head: 5020}
	o := newTestObserver(t, backend, store, bus)
	o.backfill = 100

	backend.logs = []types.Log{depositLog(t, o.htlc, 4950, 0, 0x07)}

	ctx := context.Background()
	if err := o.Prime(ctx); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	o.runBackfill(ctx)

	events := bus.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 backfilled event, got %d", len(events))
	}
	if events[0].Position != 4950 {
		t.Errorf("unexpected position %d", events[0].Position)
	}
	if got := store.storedCursor(); got != 5000 {
		t.Errorf("backfill moved the cursor: %d", got)
	}
	if got := o.Cursor(); got != 5000 {
		t.Errorf("backfill moved the live cursor: %d", got)
	}
}

func TestPrimeDefaults(t *testing.T) {
	ctx := context.Background()

	t.Run("configured start block", func(t *testing.T) {
		o := newTestObserver(t, &fakeBackend{head: 10000}, newFakeEventStore(), &fakePublisher{})
		o.startBlock = 500
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 499 {
			t.Errorf("expected cursor 499, got %d", got)
		}
	})

	t.Run("chain head fallback", func(t *testing.T) {
		o := newTestObserver(t, &fakeBackend{head: 10000}, newFakeEventStore(), &fakePublisher{})
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 9988 {
			t.Errorf("expected cursor 9988, got %d", got)
		}
	})

	t.Run("stored cursor wins", func(t *testing.T) {
		store := newFakeEventStore()
		store.cursor = 777
		store.hasCursor = true
		o := newTestObserver(t, &fakeBackend{head: 10000}, store, &fakePublisher{})
		o.startBlock = 500
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 777 {
			t.Errorf("expected cursor 777, got %d", got)
		}
	})

	t.Run("priming twice is a no-op", func(t *testing.T) {
		store := newFakeEventStore()
		o := newTestObserver(t, &fakeBackend{head: 10000}, store, &fakePublisher{})
		o.startBlock = 500
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		store.cursor = 777
		store.hasCursor = true
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("second Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 499 {
			t.Errorf("expected cursor 499 after re-prime, got %d", got)
		}
	})
}

func TestRunPollingPublishesAndStops(t *testing.T) {
	store := newFakeEventStore()
	bus := &fakePublisher{}
	backend := &fakeBackend{head: 50}
	o := newTestObserver(t, backend, store, bus)
	o.startBlock = 1

	backend.logs = []types.Log{depositLog(t, o.htlc, 20, 0, 0x01)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(bus.published()) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("no event published before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if !o.Healthy() {
		t.Error("observer should be healthy after successful sweeps")
	}
	if got := o.Cursor(); got != 38 {
		t.Errorf("expected cursor 38, got %d", got)
	}
}
