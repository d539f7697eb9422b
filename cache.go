// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package elink

// CachePolicy is the process-wide cache-management mode, decided once
// at startup and read-only afterwards.
type CachePolicy uint8

const (
	PolicyUnknown    CachePolicy = iota
	PolicyCoherent               // Hardware snooping; flush/invalidate are no-ops
	PolicyLineOps                // Line-granularity flush/invalidate
	PolicyGlobalOnly             // Only whole-cache writeback-invalidate
	PolicyNone                   // No cache management available
)

// CacheController gates DMA on processor cache state. Outbound
// transfers are flushed before arming so the device reads current
// data; inbound transfers are invalidated after completion so the
// processor does not read stale lines.
type CacheController struct {
	ops    CacheOps
	policy CachePolicy
	stats  *Stats
}

func newCacheController(ops CacheOps, stats *Stats) *CacheController {
	return &CacheController{ops: ops, stats: stats}
}

// DetectCapabilities probes the cache primitives once and fixes the
// policy. Repeat calls return the stored policy without re-probing.
func (c *CacheController) DetectCapabilities() CachePolicy {
	if c.policy != PolicyUnknown {
		return c.policy
	}
	caps := c.ops.Detect()
	switch {
	case caps.Coherent:
		c.policy = PolicyCoherent
	case caps.LineOps:
		c.policy = PolicyLineOps
	case caps.Global:
		c.policy = PolicyGlobalOnly
	default:
		c.policy = PolicyNone
	}
	return c.policy
}

// Policy returns the current policy without probing.
func (c *CacheController) Policy() CachePolicy {
	return c.policy
}

// latch fixes the policy from the mapping service's coherency hint if
// detection has not already decided it.
func (c *CacheController) latch(hint CoherencyHint) {
	if c.policy != PolicyUnknown {
		return
	}
	if hint == CoherencyHardware {
		c.policy = PolicyCoherent
	} else {
		c.DetectCapabilities()
	}
}

// FlushRange writes dirty lines covering the buffer back to memory.
// Call before arming an outbound (device-reads-memory) transfer. Under
// hardware coherency this is a no-op; without line operations it falls
// back to the whole-cache writeback-invalidate, which is counted so
// callers can see they are on the expensive system-wide path.
func (c *CacheController) FlushRange(p []byte) {
	switch c.policy {
	case PolicyCoherent, PolicyNone:
	case PolicyLineOps:
		c.ops.FlushLines(p)
	default:
		c.globalFallback()
	}
}

// InvalidateRange discards cached lines covering the buffer. Call
// after an inbound (device-writes-memory) transfer completes, before
// reading the data.
func (c *CacheController) InvalidateRange(p []byte) {
	switch c.policy {
	case PolicyCoherent, PolicyNone:
	case PolicyLineOps:
		c.ops.InvalidateLines(p)
	default:
		c.globalFallback()
	}
}

// GlobalFallbacks returns how many whole-cache writebacks were issued.
// A non-zero, growing count on the datapath means line operations are
// missing and per-packet DMA will be slow.
func (c *CacheController) GlobalFallbacks() uint32 {
	return c.stats.Snapshot().CacheFallbacks
}

func (c *CacheController) globalFallback() {
	c.ops.WritebackInvalidate()
	c.stats.add(&c.stats.CacheFallbacks)
}
