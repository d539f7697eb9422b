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

/*

Package elink manages the event-driven control plane for EtherLink-class
ISA network interfaces: windowed register access, interrupt dispatch with
spurious-interrupt filtering on a cascaded 8259 controller pair, a bounded
interrupt-to-task event queue, a timeout/retry registry guarding every
hardware wait, DMA addressing-safety validation against the 24-bit ISA bus
limit and the 64 KiB DMA window, cache coherency gating, and PIO/DMA
datapath selection with interrupt coalescing and doorbell batching.

The package assumes a single logical processor: interrupt context may
preempt task context but never runs concurrently with it. Up to four
devices may be registered at initialisation; each is described through a
Config and driven via the Driver handle returned by Open.

The hardware itself is reached through small interfaces (PortIO,
IntController, Mapper, CacheOps, Clock) so the package can run against
real port I/O on Linux or against test doubles.

*/
package elink
