// Package proxylab provides a forwarding HTTP/HTTPS proxy with domain
// blocking, an access log backed by a database, and a JSON control API.
//
// # Architecture
//
// The proxy reads the first chunk a client sends and parses only its
// request line. CONNECT requests become opaque TCP tunnels: the proxy dials
// the destination, answers "200 Connection Established" and relays bytes
// in both directions until either side closes or the tunnel goes idle.
// Any other method is forwarded verbatim to the destination and the
// response is streamed back, up to a size cap. TLS is never terminated.
//
// Before any of that, the target host is normalized and checked against
// the BlockList. A blocked target gets a plain-text 403 and the connection
// is closed. Every parsed connection yields exactly one AccessEvent.
//
// # Basic Proxy
//
//	store, err := sqlitestore.Open("proxy_server.db", 4)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	bl := proxylab.NewBlockList(store)
//	if err := bl.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := proxylab.NewProxy(bl, proxylab.NewAccessRecorder(store, slog.Default()))
//	if err := proxy.Start("localhost:8080"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Block Patterns
//
// Patterns are stored normalized: lowercased, without scheme, path or a
// leading "www.". A host is blocked when any pattern matches it by one of
// these strategies, tried in order:
//
//   - platform family: a pattern mentioning "youtube" covers the whole
//     video platform, including its CDN and API domains
//   - exact: the host equals the pattern
//   - subdomain: the host ends with "." + pattern
//   - regex: the pattern, compiled case-insensitively, matches somewhere
//     in the host
//
// Changes go through the BlockList, which writes the store first and then
// swaps in a new Snapshot. Lookups never take a lock.
//
//	added, err := bl.Add(ctx, "https://www.Example.com/path") // stores "example.com"
//	removed, err := bl.Remove(ctx, "example.com")
//
// Patterns can be seeded from a file with one pattern per line:
//
//	patterns, err := proxylab.LoadPatternFile("blocklist.txt")
//	n, err := proxylab.SeedBlockList(ctx, bl, patterns)
//
// # Dashboard
//
// Controller bundles the operations an operator performs. AdminAPI exposes
// them over HTTP with chi:
//
//	ctrl := &proxylab.Controller{Proxy: proxy, BlockList: bl, Store: store}
//	api := proxylab.NewAdminAPI(ctrl, store)
//	http.ListenAndServe("localhost:5000", api.Handler())
//
// Endpoints:
//
//	GET  /api/stats         counters, running state and top hosts
//	GET  /api/blocked       current patterns
//	GET  /api/logs?limit=N  newest access events first (default 200)
//	POST /api/start         bind the proxy listener
//	POST /api/stop          close the proxy listener
//	POST /api/block-site    {"pattern": "example.com"}
//	POST /api/unblock-site  {"pattern": "example.com"}
//	POST /api/quick-block   {"site": "youtube"}
//	POST /api/clear-logs
//	POST /api/clear-cache
//	GET  /healthz, /readyz, /metrics
//
// # Storage
//
// The Store interface is implemented by the sqlitestore and pgstore
// packages. Both keep the same three tables: blocked_sites, access_logs
// and cache.
//
// # Limits
//
// Proxy.MaxConnections bounds concurrent handlers; Accept pauses while the
// bound is reached. RateLimiter optionally caps new connections per client
// IP. MaxResponseSize cuts off forwarded responses that grow too large.
//
// # Reload
//
// WatchSIGHUP re-reads the pattern table on SIGHUP so rows edited by
// another process take effect without a restart. StartAutoReload does the
// same on a fixed interval.
package proxylab
