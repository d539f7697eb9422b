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

import "sync"

const (
	nTrackers   = 8
	maxRetries  = 5
	baseBackoff = 2   // Ticks, doubled per retry
	maxBackoff  = 100 // Backoff ceiling in ticks
)

// OpType identifies the class of hardware operation a tracker guards.
type OpType uint8

const (
	OpIO OpType = iota
	OpDMA
	OpInterrupt
	OpReset
	OpEEPROM
)

// Default timeouts per operation class, in ticks (18.2 Hz).
const (
	TicksIO        = 18  // ~1s
	TicksDMA       = 36  // ~2s
	TicksInterrupt = 9   // ~500ms
	TicksReset     = 91  // ~5s; total reset settle is slow
	TicksEEPROM    = 3   // EEPROM reads are bounded by the part
)

// DefaultTicks returns the default timeout for an operation class.
func DefaultTicks(op OpType) uint16 {
	switch op {
	case OpDMA:
		return TicksDMA
	case OpInterrupt:
		return TicksInterrupt
	case OpReset:
		return TicksReset
	case OpEEPROM:
		return TicksEEPROM
	}
	return TicksIO
}

// Tracker flag bits.
const (
	tkActive = 1 << iota
	tkExpired
	tkRetrying
	tkFailed
)

// PollResult is the outcome of polling a tracker.
type PollResult int

const (
	NotExpired PollResult = iota
	Expired
	Invalid
)

// Handle identifies an allocated tracker slot.
type Handle int

type tracker struct {
	start   uint32 // Tick at begin or last re-arm
	limit   uint16 // Timeout in ticks
	op      OpType
	device  int
	retries uint8
	flags   uint8
	lastErr error
}

// TimeoutRegistry tracks in-flight hardware operations and their
// deadlines. Exactly one in-flight operation owns a slot at a time;
// slot reuse is first-available. Only slot allocation and release
// touch the occupancy bitmap from both interrupt and task context, so
// only those run under the interrupt mask.
type TimeoutRegistry struct {
	mu    *sync.Mutex // The driver's interrupt mask
	clk   Clock
	used  uint8 // Bitmap of occupied slots
	slots [nTrackers]tracker
	stats *Stats
}

func newTimeoutRegistry(mask *sync.Mutex, clk Clock, stats *Stats) *TimeoutRegistry {
	return &TimeoutRegistry{mu: mask, clk: clk, stats: stats}
}

// Begin allocates a tracker for an operation about to start. It fails
// closed with ErrNoTimeoutSlot when all slots are busy; it never blocks
// or evicts, and the caller must not start the operation unprotected.
func (r *TimeoutRegistry) Begin(op OpType, device int, ticks uint16) (Handle, error) {
	r.mu.Lock()
	slot := -1
	for i := 0; i < nTrackers; i++ {
		if r.used&(1<<i) == 0 {
			r.used |= 1 << i
			slot = i
			break
		}
	}
	r.mu.Unlock()
	if slot < 0 {
		return -1, ErrNoTimeoutSlot
	}
	r.slots[slot] = tracker{
		start:  r.clk.Now(),
		limit:  ticks,
		op:     op,
		device: device,
		flags:  tkActive,
	}
	return Handle(slot), nil
}

// Poll reports whether the tracked operation's deadline has passed.
// Elapsed time is corrected for one rollover of the tick counter: when
// now reads below start, the counter wrapped and the true elapsed time
// is the remainder of the period plus the new count.
func (r *TimeoutRegistry) Poll(h Handle) PollResult {
	t := r.get(h)
	if t == nil {
		return Invalid
	}
	if t.flags&tkExpired != 0 {
		return Expired
	}
	elapsed := elapsedTicks(t.start, r.clk.Now())
	if elapsed > uint32(t.limit) {
		t.flags |= tkExpired
		if r.stats != nil {
			r.stats.add(&r.stats.Timeouts)
		}
		return Expired
	}
	return NotExpired
}

// Reset releases the tracker slot, whether the operation succeeded or
// failed. The handle is dead afterwards.
func (r *TimeoutRegistry) Reset(h Handle) {
	if r.get(h) == nil {
		return
	}
	r.slots[h].flags = 0
	r.mu.Lock()
	r.used &^= 1 << uint(h)
	r.mu.Unlock()
}

// RetryWithBackoff records a failed attempt and either re-arms the
// tracker or gives up. While retries remain it returns the ticks the
// caller must wait before the next attempt (2, 4, 8, 16, 32, capped at
// 100) with ok=true; past maxRetries the tracker is marked failed and
// ok=false is returned. Exhaustion is terminal: the caller surfaces
// ErrOperationFailed, it must not keep looping.
func (r *TimeoutRegistry) RetryWithBackoff(h Handle, cause error) (uint16, bool) {
	t := r.get(h)
	if t == nil {
		return 0, false
	}
	t.lastErr = cause
	t.retries++
	if t.retries > maxRetries {
		t.flags &^= tkRetrying
		t.flags |= tkFailed
		return 0, false
	}
	delay := uint32(baseBackoff) << (t.retries - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	t.start = r.clk.Now()
	t.flags &^= tkExpired
	t.flags |= tkRetrying
	if r.stats != nil {
		r.stats.add(&r.stats.Retries)
	}
	return uint16(delay), true
}

// LastError returns the most recent error recorded against the tracker.
func (r *TimeoutRegistry) LastError(h Handle) error {
	if t := r.get(h); t != nil {
		return t.lastErr
	}
	return nil
}

// Failed reports whether the tracker has exhausted its retries.
func (r *TimeoutRegistry) Failed(h Handle) bool {
	t := r.get(h)
	return t != nil && t.flags&tkFailed != 0
}

// InUse returns the number of occupied tracker slots.
func (r *TimeoutRegistry) InUse() int {
	r.mu.Lock()
	n := 0
	for i := 0; i < nTrackers; i++ {
		if r.used&(1<<i) != 0 {
			n++
		}
	}
	r.mu.Unlock()
	return n
}

// elapsedTicks computes now - start corrected for one rollover of the
// tick counter: when now reads below start the counter wrapped, and
// the true elapsed time is the remainder of the period plus the new
// count.
func elapsedTicks(start, now uint32) uint32 {
	if now >= start {
		return now - start
	}
	return tickRollover - start + now
}

func (r *TimeoutRegistry) get(h Handle) *tracker {
	if h < 0 || int(h) >= nTrackers {
		return nil
	}
	t := &r.slots[h]
	if t.flags&tkActive == 0 {
		return nil
	}
	return t
}
