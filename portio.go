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

// PortIO is the hardware register interface: fixed-width reads and
// writes at absolute port addresses. Implementations must not block.
type PortIO interface {
	Inb(port uint16) uint8
	Inw(port uint16) uint16
	Outb(port uint16, v uint8)
	Outw(port uint16, v uint16)
	// Insw/Outsw move len(p) bytes (rounded down to words) through a
	// single data port, for the PIO datapath.
	Insw(port uint16, p []byte)
	Outsw(port uint16, p []byte)
}

// Clock is the monotonic tick source. Ticks roll over after
// tickRollover; consumers correct for one wrap.
type Clock interface {
	Now() uint32
}

// Handler services an interrupt line. Implementations that accept the
// interrupt are responsible for their own controller acknowledgment.
// A Handler registered before this driver stands in for "chain to the
// previously installed vector".
type Handler interface {
	ServiceInterrupt(line int) bool
}

// IntController is the interrupt-controller acknowledgment primitive.
type IntController interface {
	// EndOfInterrupt fully acknowledges the line: for lines on the
	// secondary controller, the secondary is acknowledged before the
	// primary cascade line.
	EndOfInterrupt(line int)
	// EndOfInterruptPrimary acknowledges only the primary controller.
	// Used for spurious interrupts on secondary lines, where the
	// secondary latch already cleared itself but the primary cascade
	// line is genuinely in service.
	EndOfInterruptPrimary(line int)
	// InService reports whether the line's bit is set in its owning
	// controller's in-service register.
	InService(line int) bool
	// Install replaces the handler for a line and returns the one
	// previously installed, for chaining.
	Install(line int, h Handler) Handler
}

// CoherencyHint is the mapping service's statement about a locked
// buffer's cache coherency.
type CoherencyHint uint8

const (
	CoherencyUnknown  CoherencyHint = iota
	CoherencyHardware               // Snooping hardware keeps caches coherent
	CoherencyManual                 // Caller must flush/invalidate around DMA
)

// MapFlags request behaviours from the physical-mapping service.
type MapFlags uint8

const (
	MapAutoRemap    MapFlags = 1 << iota // Service may remap to a safe region
	MapCopyFallback                      // Service may bounce through a copy
)

// Mapping is a locked, pinned buffer as reported by the mapping service.
type Mapping struct {
	Phys      uint32        // Physical address of the locked region
	Remapped  bool          // Service moved the buffer
	Copied    bool          // Service bounced through a copy buffer
	Coherency CoherencyHint // Whether manual cache management is needed
	token     uint64        // Service-private identity for Unlock
}

// Mapper is the physical-mapping/buffer-locking service. Lock pins the
// buffer and returns its bus-visible address; Unlock releases it.
type Mapper interface {
	Lock(buf []byte, flags MapFlags) (*Mapping, error)
	Unlock(m *Mapping) error
}

// CacheOps are the processor cache-management primitives. Detect is
// called once at startup; the range operations are only used when line
// granularity is available, and WritebackInvalidate is the expensive
// whole-cache fallback.
type CacheOps interface {
	Detect() CacheCaps
	FlushLines(p []byte)
	InvalidateLines(p []byte)
	WritebackInvalidate()
}

// CacheCaps describes which cache primitives the processor offers.
type CacheCaps struct {
	Coherent bool // Hardware keeps caches coherent with DMA
	LineOps  bool // Line-granularity flush/invalidate available
	Global   bool // Global writeback-invalidate available
}
