package proxylab

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Stats is the aggregate view returned by get-stats.
type Stats struct {
	TotalRequests     int64 `json:"total_requests"`
	BlockedRequests   int64 `json:"blocked_requests"`
	CachedItems       int64 `json:"cached_items"`
	BlockedSitesCount int   `json:"blocked_sites_count"`
}

// QuickBlockPresets maps dashboard shortcuts to the pattern they add.
var QuickBlockPresets = map[string]string{
	"youtube":   "youtube.com",
	"facebook":  "facebook.com",
	"twitter":   "twitter.com",
	"instagram": "instagram.com",
}

// Controller is the operator-facing control surface over a Proxy and its
// BlockList.
type Controller struct {
	Proxy     *Proxy
	BlockList *BlockList
	Store     StatsStore

	// DefaultHost and DefaultPort fill in whatever Start is called without.
	DefaultHost string
	DefaultPort int
}

// Start begins accepting on host:port and returns the bound address.
// An empty host or zero port falls back to the defaults.
func (c *Controller) Start(host string, port int) (string, error) {
	if host == "" {
		host = c.DefaultHost
	}
	if port == 0 {
		port = c.DefaultPort
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}

	if err := c.Proxy.Start(net.JoinHostPort(host, strconv.Itoa(port))); err != nil {
		return "", err
	}
	return c.Proxy.Addr().String(), nil
}

// Stop stops accepting new connections.
func (c *Controller) Stop() error {
	return c.Proxy.Stop()
}

// Running reports whether the proxy is accepting.
func (c *Controller) Running() bool {
	return c.Proxy.Running()
}

// AddBlock adds a pattern, reporting false if it was already present.
func (c *Controller) AddBlock(ctx context.Context, pattern string) (bool, error) {
	return c.BlockList.Add(ctx, pattern)
}

// RemoveBlock removes a pattern, reporting false if it was not found.
func (c *Controller) RemoveBlock(ctx context.Context, pattern string) (bool, error) {
	return c.BlockList.Remove(ctx, pattern)
}

// ListBlocked returns the sorted pattern set.
func (c *Controller) ListBlocked() []string {
	return c.BlockList.List()
}

// Stats gathers request counters from storage and the pattern count from
// the in-memory mirror.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	total, blocked, err := c.Store.CountEvents(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting access events: %w", err)
	}
	cached, err := c.Store.CountCachedItems(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting cache rows: %w", err)
	}
	return Stats{
		TotalRequests:     total,
		BlockedRequests:   blocked,
		CachedItems:       cached,
		BlockedSitesCount: c.BlockList.Count(),
	}, nil
}
