// Package cache keeps hot swap sessions, recent event keys, and list-query
// results in memory so the read path and dedup pre-checks rarely touch
// PostgreSQL. The database remains the source of truth; every miss here
// falls through to storage.
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
)

const queryCacheSize = 256

// Cache is safe for concurrent use.
type Cache struct {
	live       *lru.Cache[string, *htlc.Swap]
	terminal   *expirable.LRU[string, *htlc.Swap]
	byHash     *lru.Cache[string, string]
	byContract *lru.Cache[string, string]
	events     *expirable.LRU[string, struct{}]
	queries    *expirable.LRU[string, []byte]
}

// Stats reports cache occupancy for the status endpoint.
type Stats struct {
	LiveSwaps     int `json:"live_swaps"`
	TerminalSwaps int `json:"terminal_swaps"`
	SeenEvents    int `json:"seen_events"`
}

// New builds the cache. Terminal swaps stay readable for terminalGrace
// after their final transition, then age out.
func New(cfg config.CacheConfig, terminalGrace time.Duration) (*Cache, error) {
	c := &Cache{}

	live, err := lru.NewWithEvict[string, *htlc.Swap](cfg.SwapCapacity, c.onSwapEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to build swap cache: %w", err)
	}
	byHash, err := lru.New[string, string](cfg.SwapCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to build hashlock index: %w", err)
	}
	byContract, err := lru.New[string, string](2 * cfg.SwapCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to build contract index: %w", err)
	}

	c.live = live
	c.byHash = byHash
	c.byContract = byContract
	c.terminal = expirable.NewLRU[string, *htlc.Swap](cfg.SwapCapacity, nil, terminalGrace)
	// event keys are small; bound the dedup window by count as well as TTL
	c.events = expirable.NewLRU[string, struct{}](8*cfg.SwapCapacity, nil, cfg.EventTTL.Std())
	c.queries = expirable.NewLRU[string, []byte](queryCacheSize, nil, cfg.QueryTTL.Std())

	return c, nil
}

// PutSwap stores a copy of the swap and refreshes the lookup indexes.
// Terminal swaps move to the grace store and stop being indexed.
func (c *Cache) PutSwap(swap *htlc.Swap) {
	if swap == nil || swap.ID == "" {
		return
	}
	cp := swap.Clone()

	if cp.Status.IsTerminal() {
		c.live.Remove(cp.ID)
		c.terminal.Add(cp.ID, cp)
		c.queries.Purge()
		return
	}

	c.live.Add(cp.ID, cp)
	if cp.Hashlock != "" {
		c.byHash.Add(cp.Hashlock, cp.ID)
	}
	for _, chain := range []htlc.Chain{htlc.ChainEVM, htlc.ChainMove} {
		if cid := cp.ContractID(chain); cid != "" {
			c.byContract.Add(contractKey(chain, cid), cp.ID)
		}
	}
	c.queries.Purge()
}

// GetSwap returns a copy of the cached swap.
func (c *Cache) GetSwap(id string) (*htlc.Swap, bool) {
	if sw, ok := c.live.Get(id); ok {
		return sw.Clone(), true
	}
	if sw, ok := c.terminal.Get(id); ok {
		return sw.Clone(), true
	}
	return nil, false
}

// GetSwapByHashlock returns the live swap paired under the hashlock.
func (c *Cache) GetSwapByHashlock(hashlock string) (*htlc.Swap, bool) {
	id, ok := c.byHash.Get(hashlock)
	if !ok {
		return nil, false
	}
	return c.GetSwap(id)
}

// GetSwapByContract returns the live swap holding the contract on a chain.
func (c *Cache) GetSwapByContract(chain htlc.Chain, contractID string) (*htlc.Swap, bool) {
	id, ok := c.byContract.Get(contractKey(chain, contractID))
	if !ok {
		return nil, false
	}
	return c.GetSwap(id)
}

// RemoveSwap drops the swap from both stores.
func (c *Cache) RemoveSwap(id string) {
	c.live.Remove(id)
	c.terminal.Remove(id)
}

// MarkEventSeen records the event key and reports whether it was already
// present. This is a pre-filter only; the processed_events constraint is
// the authoritative dedup.
func (c *Cache) MarkEventSeen(key string) bool {
	if _, ok := c.events.Get(key); ok {
		return true
	}
	c.events.Add(key, struct{}{})
	return false
}

// PutQuery caches a serialized list response.
func (c *Cache) PutQuery(key string, payload []byte) {
	c.queries.Add(key, payload)
}

// GetQuery returns a cached list response.
func (c *Cache) GetQuery(key string) ([]byte, bool) {
	return c.queries.Get(key)
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	return Stats{
		LiveSwaps:     c.live.Len(),
		TerminalSwaps: c.terminal.Len(),
		SeenEvents:    c.events.Len(),
	}
}

func contractKey(chain htlc.Chain, contractID string) string {
	return string(chain) + ":" + contractID
}

// onSwapEvicted clears index entries that still point at the evicted swap.
func (c *Cache) onSwapEvicted(id string, swap *htlc.Swap) {
	if swap == nil {
		return
	}
	if cur, ok := c.byHash.Peek(swap.Hashlock); ok && cur == id {
		c.byHash.Remove(swap.Hashlock)
	}
	for _, chain := range []htlc.Chain{htlc.ChainEVM, htlc.ChainMove} {
		cid := swap.ContractID(chain)
		if cid == "" {
			continue
		}
		key := contractKey(chain, cid)
		if cur, ok := c.byContract.Peek(key); ok && cur == id {
			c.byContract.Remove(key)
		}
	}
}
