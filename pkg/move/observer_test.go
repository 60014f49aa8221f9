package move

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

// testPackage is the watched package in its fully padded on-chain form;
// the observer is configured with the short "0xaa" alias.
const testPackage = "0x00000000000000000000000000000000000000000000000000000000000000aa"

type fakeBackend struct {
	mu     sync.Mutex
	head   uint64
	chain  map[uint64]Checkpoint
	blocks map[string]TransactionBlock
	pages  int
}

func newFakeBackend(head uint64) *fakeBackend {
	return &fakeBackend{
		head:   head,
		chain:  make(map[uint64]Checkpoint),
		blocks: make(map[string]TransactionBlock),
	}
}

func (f *fakeBackend) add(block TransactionBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := uint64(block.Checkpoint)
	cp, ok := f.chain[seq]
	if !ok {
		cp = Checkpoint{SequenceNumber: Uint64String(seq), Digest: fmt.Sprintf("cp-%d", seq)}
	}
	cp.Transactions = append(cp.Transactions, block.Digest)
	f.chain[seq] = cp
	f.blocks[block.Digest] = block
}

func (f *fakeBackend) LatestCheckpoint(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) Checkpoints(_ context.Context, after *uint64, limit uint64) (*CheckpointPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages++

	var start uint64
	if after != nil {
		start = *after + 1
	}
	page := &CheckpointPage{}
	for seq := start; seq <= f.head && uint64(len(page.Data)) < limit; seq++ {
		cp, ok := f.chain[seq]
		if !ok {
			cp = Checkpoint{SequenceNumber: Uint64String(seq), Digest: fmt.Sprintf("cp-%d", seq)}
		}
		page.Data = append(page.Data, cp)
	}
	page.HasNextPage = len(page.Data) > 0 && uint64(page.Data[len(page.Data)-1].SequenceNumber) < f.head
	return page, nil
}

func (f *fakeBackend) TransactionBlocks(_ context.Context, digests []string) ([]TransactionBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TransactionBlock
	for _, digest := range digests {
		if block, ok := f.blocks[digest]; ok {
			out = append(out, block)
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

func newTestObserver(backend *fakeBackend, store *fakeEventStore, bus *fakePublisher) *Observer {
	return &Observer{
		rpc:          backend,
		packageID:    "0xaa",
		store:        store,
		bus:          bus,
		logger:       zap.NewNop(),
		batchSize:    2,
		pollInterval: 10 * time.Millisecond,
		retryDelay:   time.Millisecond,
		maxRetries:   1,
	}
}

func paddedHex(seed byte) string {
	var b [32]byte
	b[0] = seed
	return "0x" + hex.EncodeToString(b[:])
}

func createdBlock(t *testing.T, checkpoint uint64, seed byte) TransactionBlock {
	t.Helper()
	parsed, err := json.Marshal(map[string]interface{}{
		"contract_id":     paddedHex(seed),
		"sender":          "0x1111111111111111111111111111111111111111111111111111111111111111",
		"receiver":        "0x2222222222222222222222222222222222222222222222222222222222222222",
		"token":           "0x2::sui::SUI",
		"amount":          "5000000",
		"hashlock":        paddedHex(0xcc),
		"timelock":        "1900000000000",
		"target_chain_id": "11155111",
	})
	if err != nil {
		t.Fatalf("failed to marshal created fields: %v", err)
	}
	return TransactionBlock{
		Digest:     fmt.Sprintf("created-%d-%x", checkpoint, seed),
		Checkpoint: Uint64String(checkpoint),
		Events: []Event{{
			ID:         EventID{TxDigest: fmt.Sprintf("created-%d-%x", checkpoint, seed), EventSeq: 0},
			PackageID:  testPackage,
			Type:       testPackage + createdSuffix,
			ParsedJSON: parsed,
		}},
	}
}

func withdrawnBlock(t *testing.T, checkpoint uint64, seed byte) TransactionBlock {
	t.Helper()
	parsed, err := json.Marshal(map[string]interface{}{
		"contract_id": paddedHex(seed),
		"preimage":    paddedHex(0xdd),
	})
	if err != nil {
		t.Fatalf("failed to marshal withdrawn fields: %v", err)
	}
	return TransactionBlock{
		Digest:     fmt.Sprintf("withdrawn-%d-%x", checkpoint, seed),
		Checkpoint: Uint64String(checkpoint),
		Events: []Event{{
			ID:         EventID{TxDigest: fmt.Sprintf("withdrawn-%d-%x", checkpoint, seed), EventSeq: 0},
			PackageID:  testPackage,
			Type:       testPackage + withdrawnSuffix,
			ParsedJSON: parsed,
		}},
	}
}

func TestTranslateCreated(t *testing.T) {
	o := newTestObserver(newFakeBackend(0), newFakeEventStore(), &fakePublisher{})
	block := createdBlock(t, 42, 0x01)

	event, ok, err := o.translate(block, block.Events[0])
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected created event to translate")
	}
	if event.Type != htlc.EventCreated || event.Chain != htlc.ChainMove {
		t.Errorf("unexpected type/chain: %s/%s", event.Type, event.Chain)
	}
	if event.ContractID != paddedHex(0x01) {
		t.Errorf("unexpected contract id %s", event.ContractID)
	}
	if event.Amount.String() != "5000000" {
		t.Errorf("unexpected amount %s", event.Amount)
	}
	// Clock milliseconds normalize to unix seconds.
	if event.Timelock != 1900000000 {
		t.Errorf("unexpected timelock %d", event.Timelock)
	}
	if event.CounterpartyChainID != "11155111" {
		t.Errorf("unexpected counterparty chain %s", event.CounterpartyChainID)
	}
	if event.Position != 42 || event.TxHash != block.Digest {
		t.Errorf("unexpected position %d / tx hash %s", event.Position, event.TxHash)
	}
}

func TestTranslateAcceptsByteArrayVectors(t *testing.T) {
	o := newTestObserver(newFakeBackend(0), newFakeEventStore(), &fakePublisher{})

	contractID := make([]interface{}, 32)
	preimage := make([]interface{}, 32)
	for i := range contractID {
		contractID[i] = 0
		preimage[i] = 0
	}
	contractID[0] = 0x01
	preimage[0] = 0xdd
	parsed, err := json.Marshal(map[string]interface{}{
		"contract_id": contractID,
		"preimage":    preimage,
	})
	if err != nil {
		t.Fatalf("failed to marshal fields: %v", err)
	}

	block := TransactionBlock{
		Digest:     "digest-arrays",
		Checkpoint: 7,
		Events: []Event{{
			ID:         EventID{TxDigest: "digest-arrays", EventSeq: 3},
			PackageID:  testPackage,
			Type:       testPackage + withdrawnSuffix,
			ParsedJSON: parsed,
		}},
	}

	event, ok, err := o.translate(block, block.Events[0])
	if err != nil || !ok {
		t.Fatalf("translate failed: ok=%v err=%v", ok, err)
	}
	if event.ContractID != paddedHex(0x01) {
		t.Errorf("unexpected contract id %s", event.ContractID)
	}
	if event.Preimage != paddedHex(0xdd) {
		t.Errorf("unexpected preimage %s", event.Preimage)
	}
	if event.LogIndex != 3 {
		t.Errorf("unexpected log index %d", event.LogIndex)
	}
}

func TestTranslateIgnoresForeignEvents(t *testing.T) {
	o := newTestObserver(newFakeBackend(0), newFakeEventStore(), &fakePublisher{})

	foreignPackage := "0x00000000000000000000000000000000000000000000000000000000000000bb"
	block := TransactionBlock{
		Digest:     "digest-foreign",
		Checkpoint: 7,
		Events: []Event{
			{
				ID:        EventID{TxDigest: "digest-foreign", EventSeq: 0},
				PackageID: foreignPackage,
				Type:      foreignPackage + createdSuffix,
			},
			{
				ID:        EventID{TxDigest: "digest-foreign", EventSeq: 1},
				PackageID: testPackage,
				Type:      testPackage + "::htlc::FeeCollected",
			},
		},
	}

	for i, raw := range block.Events {
		_, ok, err := o.translate(block, raw)
		if err != nil {
			t.Fatalf("event %d: unexpected error: %v", i, err)
		}
		if ok {
			t.Errorf("event %d should not translate", i)
		}
	}
}

func TestSweepAppliesCheckpoints(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 99
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := newFakeBackend(104)
	o := newTestObserver(backend, store, bus)

	backend.add(createdBlock(t, 100, 0x01))
	backend.add(withdrawnBlock(t, 103, 0x01))

	ctx := context.Background()
	if err := o.Prime(ctx); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	if err := o.sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	events := bus.published()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != htlc.EventCreated || events[1].Type != htlc.EventWithdrawn {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if got := o.Cursor(); got != 104 {
		t.Errorf("expected cursor 104, got %d", got)
	}
	if got := store.storedCursor(); got != 104 {
		t.Errorf("expected stored cursor 104, got %d", got)
	}
	// Five checkpoints paged two at a time.
	if backend.pages != 3 {
		t.Errorf("expected 3 checkpoint pages, got %d", backend.pages)
	}
}

func TestSweepDropsDuplicates(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 99
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := newFakeBackend(101)
	o := newTestObserver(backend, store, bus)

	block := createdBlock(t, 100, 0x01)
	backend.add(block)

	event, ok, err := o.translate(block, block.Events[0])
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
	if got := o.Cursor(); got != 101 {
		t.Errorf("expected cursor 101, got %d", got)
	}
}

func TestBackfillDoesNotRewindCursor(t *testing.T) {
	store := newFakeEventStore()
	store.cursor = 5000
	store.hasCursor = true
	bus := &fakePublisher{}
	backend := newFakeBackend(5020)
	o := newTestObserver(backend, store, bus)
	o.backfill = 100

	backend.add(createdBlock(t, 4950, 0x07))

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

	t.Run("configured start checkpoint", func(t *testing.T) {
		o := newTestObserver(newFakeBackend(10000), newFakeEventStore(), &fakePublisher{})
		o.startCheckpoint = 500
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 499 {
			t.Errorf("expected cursor 499, got %d", got)
		}
	})

	t.Run("chain head fallback", func(t *testing.T) {
		o := newTestObserver(newFakeBackend(10000), newFakeEventStore(), &fakePublisher{})
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 10000 {
			t.Errorf("expected cursor 10000, got %d", got)
		}
	})

	t.Run("stored cursor wins", func(t *testing.T) {
		store := newFakeEventStore()
		store.cursor = 777
		store.hasCursor = true
		o := newTestObserver(newFakeBackend(10000), store, &fakePublisher{})
		o.startCheckpoint = 500
		if err := o.Prime(ctx); err != nil {
			t.Fatalf("Prime failed: %v", err)
		}
		if got := o.Cursor(); got != 777 {
			t.Errorf("expected cursor 777, got %d", got)
		}
	})
}

func TestRunPollingPublishesAndStops(t *testing.T) {
	store := newFakeEventStore()
	bus := &fakePublisher{}
	backend := newFakeBackend(50)
	o := newTestObserver(backend, store, bus)
	o.startCheckpoint = 1

	backend.add(createdBlock(t, 20, 0x01))

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
	if got := o.Cursor(); got != 50 {
		t.Errorf("expected cursor 50, got %d", got)
	}
}
