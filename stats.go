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

import "sync/atomic"

// Stats holds the driver's monotonic counters. Each counter is written
// only by its owning component and read by diagnostics; increments are
// atomic so interrupt-context updates never tear.
type Stats struct {
	Spurious       uint32 // Spurious interrupts suppressed
	QueueDrops     uint32 // Events dropped against a full work queue
	Timeouts       uint32 // Hardware waits that expired
	Retries        uint32 // Retry attempts issued
	Recoveries     uint32 // Operations that succeeded after retrying
	Failures       uint32 // Operations that exhausted their retries
	Bounces        uint32 // Transfers moved or copied by the mapper
	PioFallbacks   uint32 // DMA requests demoted to PIO
	CacheFallbacks uint32 // Global writeback-invalidates issued
	Doorbells      uint32 // Doorbell writes to the hardware
	Refills        uint32 // Batched RX refill rounds
	RxErrors       uint32 // Errored frames discarded in the FIFO
	TxPackets      uint32
	RxPackets      uint32
}

func (s *Stats) add(c *uint32) {
	atomic.AddUint32(c, 1)
}

// Snapshot returns a consistent-enough copy for diagnostics: each field
// is read atomically, the set is not a single point in time.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Spurious:       atomic.LoadUint32(&s.Spurious),
		QueueDrops:     atomic.LoadUint32(&s.QueueDrops),
		Timeouts:       atomic.LoadUint32(&s.Timeouts),
		Retries:        atomic.LoadUint32(&s.Retries),
		Recoveries:     atomic.LoadUint32(&s.Recoveries),
		Failures:       atomic.LoadUint32(&s.Failures),
		Bounces:        atomic.LoadUint32(&s.Bounces),
		PioFallbacks:   atomic.LoadUint32(&s.PioFallbacks),
		CacheFallbacks: atomic.LoadUint32(&s.CacheFallbacks),
		Doorbells:      atomic.LoadUint32(&s.Doorbells),
		Refills:        atomic.LoadUint32(&s.Refills),
		RxErrors:       atomic.LoadUint32(&s.RxErrors),
		TxPackets:      atomic.LoadUint32(&s.TxPackets),
		RxPackets:      atomic.LoadUint32(&s.RxPackets),
	}
}
