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

const queueSlots = 32

// Event is the minimal record carried from interrupt context to task
// context: the latched status bits, the device that raised them and its
// I/O base. Events have no identity beyond FIFO position.
type Event struct {
	Status uint16
	Device int
	IOBase uint16
}

// WorkQueue is a fixed-capacity single-producer/single-consumer ring.
// The producer runs only in interrupt context and touches tail; the
// consumer runs only in task context and touches head. Indices are
// free-running counters, so (tail - head) is the live count and an
// index mod capacity selects the slot. Capacity must stay a power of
// two for the mask indexing.
type WorkQueue struct {
	slots [queueSlots]Event
	head  uint32 // Consumer side
	tail  uint32 // Producer side
	drops uint32
}

// TryPush appends an event. It never blocks or retries: on a full ring
// the event is dropped, the drop counter incremented and false
// returned. The slot is written before the tail advances, so the
// consumer never observes a partially written event.
func (q *WorkQueue) TryPush(ev Event) bool {
	tail := atomic.LoadUint32(&q.tail)
	if tail-atomic.LoadUint32(&q.head) >= queueSlots {
		atomic.AddUint32(&q.drops, 1)
		return false
	}
	q.slots[tail&(queueSlots-1)] = ev
	atomic.StoreUint32(&q.tail, tail+1)
	return true
}

// TryPop removes the oldest event, returning ok=false when empty. Only
// the index update races with the producer; the bulk of the consumer's
// work happens outside it.
func (q *WorkQueue) TryPop() (Event, bool) {
	head := atomic.LoadUint32(&q.head)
	if head == atomic.LoadUint32(&q.tail) {
		return Event{}, false
	}
	ev := q.slots[head&(queueSlots-1)]
	atomic.StoreUint32(&q.head, head+1)
	return ev, true
}

// Len returns the number of queued events.
func (q *WorkQueue) Len() int {
	return int(atomic.LoadUint32(&q.tail) - atomic.LoadUint32(&q.head))
}

// Drops returns how many events were discarded against a full ring.
func (q *WorkQueue) Drops() uint32 {
	return atomic.LoadUint32(&q.drops)
}
