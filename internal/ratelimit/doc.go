// Package ratelimit provides the request rate limiting for the service.
//
// Two layers, with different jobs:
//
// The sliding-window Limiter is the per-route guard: it keeps a log of hit
// timestamps per client+endpoint key and admits a request only when fewer
// than the configured maximum fall inside the trailing window. Exact (no
// fixed-window boundary bursts) at the cost of O(window population) space
// per key; stale entries are pruned lazily on each check, never swept.
//
// The token-bucket FloodLimiter is an outer abuse-prevention layer applied
// to the whole router, protecting against a single address flooding the
// process regardless of which routes it hits.
//
// The default store is in-memory and per-process: a restart resets all
// counters, and instances do not coordinate. That is the documented contract
// for single-instance deployments; multi-instance deployments can share
// counters by configuring the Redis store instead.
package ratelimit
