// Package extract parses forum HTML with ordered CSS selector chains,
// so template changes degrade into fallbacks instead of hard failures.
package extract

import (
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ma2tools/forums-miner/internal/telemetry"
)

// Chain tries CSS selectors in order until one matches. It remembers
// the index of the last selector that succeeded and tries that one
// first on subsequent calls. Safe for concurrent use.
type Chain struct {
	name      string
	selectors []string
	logger    *zap.Logger

	mu      sync.Mutex
	lastHit int
}

// NewChain builds a selector chain. Selector order encodes preference:
// the first entry is the current markup, later entries are fallbacks
// for older or alternate templates.
func NewChain(name string, logger *zap.Logger, selectors ...string) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{name: name, selectors: selectors, logger: logger}
}

// SelectOne returns the first element matched by the chain, or nil
// when every selector misses.
func (c *Chain) SelectOne(root *goquery.Selection) *goquery.Selection {
	c.mu.Lock()
	start := c.lastHit
	c.mu.Unlock()

	if start < len(c.selectors) {
		if sel := root.Find(c.selectors[start]).First(); sel.Length() > 0 {
			return sel
		}
	}

	for i, selector := range c.selectors {
		if i == start {
			continue
		}
		sel := root.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		c.recordHit(i, selector)
		return sel
	}

	c.recordMiss()
	return nil
}

// Select returns all elements matched by the first selector in the
// chain that matches anything, or nil when every selector misses.
func (c *Chain) Select(root *goquery.Selection) *goquery.Selection {
	c.mu.Lock()
	start := c.lastHit
	c.mu.Unlock()

	if start < len(c.selectors) {
		if sel := root.Find(c.selectors[start]); sel.Length() > 0 {
			return sel
		}
	}

	for i, selector := range c.selectors {
		if i == start {
			continue
		}
		sel := root.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		c.recordHit(i, selector)
		return sel
	}

	c.recordMiss()
	return nil
}

func (c *Chain) recordHit(index int, selector string) {
	c.mu.Lock()
	c.lastHit = index
	c.mu.Unlock()

	if index > 0 {
		telemetry.CountSelectorFallback(c.name)
		c.logger.Warn("selector chain fell back",
			zap.String("chain", c.name),
			zap.Int("index", index),
			zap.String("selector", selector),
		)
	}
}

func (c *Chain) recordMiss() {
	telemetry.CountSelectorFallback(c.name)
	c.logger.Warn("all selectors failed", zap.String("chain", c.name))
}
