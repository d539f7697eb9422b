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

// dispatcher is the top-half interrupt handler for one line. It runs
// in interrupt context: bounded time, no blocking, no retries. Its only
// outputs are acknowledged hardware, events pushed to the work queue
// and counters.
type dispatcher struct {
	drv  *Driver
	line int
	prev Handler // Previously installed vector, for chaining
}

// ServiceInterrupt handles one delivery on the line. The return value
// reports whether the interrupt was consumed (serviced or proven
// spurious); unclaimed genuine interrupts are chained to the previous
// handler, which owns its own acknowledgment.
func (h *dispatcher) ServiceInterrupt(line int) bool {
	drv := h.drv
	claimed := false
	for _, dev := range drv.devicesOnLine(line) {
		// The latch re-arms while we service, so loop, but under a
		// budget so a storming device cannot monopolise the line.
		for n := 0; n < drv.cfg.isrBudget; n++ {
			status := dev.status()
			if status&statIntLatch == 0 {
				break
			}
			claimed = true
			// Acknowledge by writing the latched bits back.
			drv.io.Outw(dev.ioBase+regStatus, status&statAckMask)
			// A full queue is absorbed here, never an error: the ring
			// counts the drop and the ISR moves on.
			drv.queue.TryPush(Event{Status: status, Device: dev.index, IOBase: dev.ioBase})
		}
	}
	if claimed {
		drv.pic.EndOfInterrupt(line)
		return true
	}
	// No device had its latch set; the request may be spurious. The
	// owning controller's in-service register decides.
	if !drv.pic.InService(line) {
		drv.stats.add(&drv.stats.Spurious)
		if line >= 8 {
			// Spurious on a cascaded line: the secondary's latch
			// cleared itself, but the primary genuinely holds the
			// cascade line in service and must be acknowledged.
			drv.pic.EndOfInterruptPrimary(line)
		}
		// A spurious primary line gets no acknowledgment at all.
		return true
	}
	// Genuine interrupt that is not ours: chain to the previous
	// handler, which performs its own acknowledgment.
	if h.prev != nil {
		return h.prev.ServiceInterrupt(line)
	}
	return false
}

// OnInterrupt is the single entry point invoked by the platform's
// interrupt delivery mechanism.
func (d *Driver) OnInterrupt(line int) bool {
	if line < 0 || line >= nIrqLines || d.dispatchers[line] == nil {
		return false
	}
	return d.dispatchers[line].ServiceInterrupt(line)
}
