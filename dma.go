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

// Violation flags reported by ValidateBuffer.
type Violation uint8

const (
	BoundaryViolation Violation = 1 << iota // Crosses a 64 KiB DMA window
	LimitViolation                          // Beyond the 24-bit bus ceiling
)

// Descriptor is one element of a bus-master transfer list. Physical
// addresses fit in 24 bits; a transfer that would cross a 64 KiB
// window is split across chained descriptors before arming.
type Descriptor struct {
	Phys   uint32
	Len    uint32
	Status uint16
	Next   *Descriptor
}

// ValidateBuffer checks a bus address range against the ISA DMA
// constraints. A boundary violation means the low 16 bits of the
// address plus the length overflow the 64 KiB window the bus DMA
// controller counts within; a limit violation means the range reaches
// past the 16 MiB ceiling of 24-bit addressing. Both may be set.
func ValidateBuffer(addr uint32, length int) Violation {
	var v Violation
	if int(addr&0xFFFF)+length > dmaWindow {
		v |= BoundaryViolation
	}
	if uint64(addr)+uint64(length) > dmaCeiling {
		v |= LimitViolation
	}
	return v
}

// FindSafeAddress advances past the current 64 KiB window to the next
// aligned region that can hold the whole transfer. It returns ok=false
// when no such region exists below the 16 MiB ceiling or the transfer
// itself is larger than a window.
func FindSafeAddress(addr uint32, length int) (uint32, bool) {
	if length > dmaWindow {
		return 0, false
	}
	next := (addr &^ (dmaWindow - 1)) + dmaWindow
	if ValidateBuffer(next, length) != 0 {
		return 0, false
	}
	return next, true
}

// SplitTransfer divides a transfer at the next 64 KiB window edge. The
// returned chunk reaches exactly the boundary; the remainder is carried
// to a follow-up transfer, and callers loop until it is zero. A
// transfer that fits its window comes back whole.
func SplitTransfer(addr uint32, length int) (chunk, remaining int) {
	room := dmaWindow - int(addr&0xFFFF)
	if length <= room {
		return length, 0
	}
	return room, length - room
}

// Validator builds safe DMA descriptors in cooperation with the
// physical-mapping service and latches the process-wide cache policy
// from the service's coherency hints.
type Validator struct {
	mapper Mapper
	cache  *CacheController
	stats  *Stats
}

func newValidator(m Mapper, cc *CacheController, stats *Stats) *Validator {
	return &Validator{mapper: m, cache: cc, stats: stats}
}

// LockForDMA pins a buffer for bus-master access, requesting automatic
// remap and copy fallback from the mapping service. A mapping whose
// physical range still breaks the 24-bit limit is unusable and is
// unlocked and rejected with ErrDmaLimit; the caller must fall back to
// PIO rather than arm a truncated transfer.
func (v *Validator) LockForDMA(buf []byte) (*Mapping, error) {
	m, err := v.mapper.Lock(buf, MapAutoRemap|MapCopyFallback)
	if err != nil {
		return nil, err
	}
	if ValidateBuffer(m.Phys, len(buf))&LimitViolation != 0 {
		v.mapper.Unlock(m)
		return nil, ErrDmaLimit
	}
	if m.Remapped || m.Copied {
		v.stats.add(&v.stats.Bounces)
	}
	// The first coherency statement from the service becomes the
	// process-wide policy; later calls only confirm it.
	if m.Coherency != CoherencyUnknown {
		v.cache.latch(m.Coherency)
	}
	return m, nil
}

// Unlock releases a mapping obtained from LockForDMA.
func (v *Validator) Unlock(m *Mapping) error {
	return v.mapper.Unlock(m)
}

// BuildList converts a locked mapping into a descriptor chain that
// never crosses a 64 KiB window. The final descriptor carries the
// interrupt-request bit only if reqIntr is set; intermediate ones never
// do.
func (v *Validator) BuildList(m *Mapping, length int, reqIntr bool) *Descriptor {
	var head, tail *Descriptor
	addr := m.Phys
	for length > 0 {
		chunk, rest := SplitTransfer(addr, length)
		d := &Descriptor{Phys: addr, Len: uint32(chunk)}
		if head == nil {
			head = d
		} else {
			tail.Next = d
		}
		tail = d
		addr += uint32(chunk)
		length = rest
	}
	if tail != nil && reqIntr {
		tail.Status |= descIntrReq
	}
	return head
}
