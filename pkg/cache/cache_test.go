package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

func newTestCache(t *testing.T, capacity int, grace time.Duration) *Cache {
	t.Helper()
	c, err := New(config.CacheConfig{
		SwapCapacity: capacity,
		EventTTL:     config.Duration(50 * time.Millisecond),
		QueryTTL:     config.Duration(time.Minute),
	}, grace)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func cachedSwap(id, hashlock string) *htlc.Swap {
	return &htlc.Swap{
		ID:            id,
		Status:        htlc.StatusSourceLocked,
		Hashlock:      hashlock,
		EVMContractID: "0xevm-" + id,
		Amount:        decimal.NewFromInt(42),
		SourceChain:   htlc.ChainEVM,
	}
}

func TestCacheLookups(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	swap := cachedSwap("a1b2c3d4e5f60718", "0xhash1")
	swap.MoveContractID = "0xmove-1"
	c.PutSwap(swap)

	byID, ok := c.GetSwap(swap.ID)
	if !ok || byID.ID != swap.ID {
		t.Fatalf("GetSwap() = %v, %v", byID, ok)
	}

	byHash, ok := c.GetSwapByHashlock("0xhash1")
	if !ok || byHash.ID != swap.ID {
		t.Fatalf("GetSwapByHashlock() = %v, %v", byHash, ok)
	}

	byEVM, ok := c.GetSwapByContract(htlc.ChainEVM, swap.EVMContractID)
	if !ok || byEVM.ID != swap.ID {
		t.Fatalf("GetSwapByContract(evm) = %v, %v", byEVM, ok)
	}

	byMove, ok := c.GetSwapByContract(htlc.ChainMove, swap.MoveContractID)
	if !ok || byMove.ID != swap.ID {
		t.Fatalf("GetSwapByContract(move) = %v, %v", byMove, ok)
	}

	if _, ok := c.GetSwap("unknown"); ok {
		t.Error("GetSwap(unknown) should miss")
	}
}

func TestCacheCopiesAreIsolated(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	swap := cachedSwap("b1b2c3d4e5f60718", "0xhash2")
	c.PutSwap(swap)

	// mutating the source after Put must not leak into the cache
	swap.Status = htlc.StatusFailed
	swap.AppendError("local mutation")

	got, ok := c.GetSwap("b1b2c3d4e5f60718")
	if !ok {
		t.Fatal("GetSwap() missed")
	}
	if got.Status != htlc.StatusSourceLocked || len(got.ErrorMessages) != 0 {
		t.Errorf("cache leaked caller mutation: %+v", got)
	}

	// mutating a returned copy must not change the cached value either
	got.AppendError("reader mutation")
	again, _ := c.GetSwap("b1b2c3d4e5f60718")
	if len(again.ErrorMessages) != 0 {
		t.Errorf("cache leaked reader mutation: %+v", again)
	}
}

func TestCacheTerminalGrace(t *testing.T) {
	c := newTestCache(t, 10, 50*time.Millisecond)

	swap := cachedSwap("c1b2c3d4e5f60718", "0xhash3")
	c.PutSwap(swap)

	swap.Status = htlc.StatusCompleted
	c.PutSwap(swap)

	// readable by id during the grace window, no longer indexed
	if _, ok := c.GetSwap(swap.ID); !ok {
		t.Fatal("terminal swap should stay readable during grace")
	}
	if _, ok := c.GetSwapByHashlock("0xhash3"); ok {
		t.Error("terminal swap should not be reachable via hashlock index")
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok := c.GetSwap(swap.ID); ok {
		t.Error("terminal swap should age out after grace")
	}
}

func TestCacheCapacityEvictionClearsIndexes(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)

	first := cachedSwap("d1b2c3d4e5f60718", "0xhash-first")
	c.PutSwap(first)
	c.PutSwap(cachedSwap("d2b2c3d4e5f60718", "0xhash-second"))
	c.PutSwap(cachedSwap("d3b2c3d4e5f60718", "0xhash-third"))

	if _, ok := c.GetSwap(first.ID); ok {
		t.Fatal("oldest swap should be evicted at capacity")
	}
	if _, ok := c.GetSwapByHashlock("0xhash-first"); ok {
		t.Error("evicted swap should not linger in the hashlock index")
	}
	if _, ok := c.GetSwapByContract(htlc.ChainEVM, first.EVMContractID); ok {
		t.Error("evicted swap should not linger in the contract index")
	}
}

func TestMarkEventSeen(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	key := "evm:0xaa:HTLC_CREATED:0xt1:0"
	if c.MarkEventSeen(key) {
		t.Error("first MarkEventSeen() should report unseen")
	}
	if !c.MarkEventSeen(key) {
		t.Error("second MarkEventSeen() should report seen")
	}

	time.Sleep(120 * time.Millisecond)
	if c.MarkEventSeen(key) {
		t.Error("MarkEventSeen() after TTL should report unseen again")
	}
}

func TestQueryCacheInvalidation(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	c.PutQuery("swaps?status=PENDING", []byte(`{"swaps":[]}`))
	if payload, ok := c.GetQuery("swaps?status=PENDING"); !ok || string(payload) != `{"swaps":[]}` {
		t.Fatalf("GetQuery() = %q, %v", payload, ok)
	}

	c.PutSwap(cachedSwap("e1b2c3d4e5f60718", "0xhash4"))
	if _, ok := c.GetQuery("swaps?status=PENDING"); ok {
		t.Error("swap writes should invalidate cached queries")
	}
}

func TestCacheStats(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	c.PutSwap(cachedSwap("f1b2c3d4e5f60718", "0xhash5"))
	done := cachedSwap("f2b2c3d4e5f60718", "0xhash6")
	done.Status = htlc.StatusRefunded
	c.PutSwap(done)
	c.MarkEventSeen("evm:0xaa:HTLC_CREATED:0xt2:0")

	stats := c.Stats()
	if stats.LiveSwaps != 1 || stats.TerminalSwaps != 1 || stats.SeenEvents != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}
