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

import (
	"fmt"
	"sync"
	"time"
)

// Hardware bundles the platform collaborators the driver runs against.
// Port is required; the rest default to built-in implementations: an
// 8259 pair driven through Port, a wall-clock tick source, a mapping
// service that always fails (forcing PIO) and coherent-cache ops.
type Hardware struct {
	Port   PortIO
	Intc   IntController
	Clock  Clock
	Mapper Mapper
	Cache  CacheOps
}

// Driver owns all driver state: the device table, the interrupt-to-task
// work queue, the timeout registry, the DMA validator and the cache
// controller. All cross-context mutation funnels through it.
type Driver struct {
	io        PortIO
	pic       IntController
	clk       Clock
	cfg       *Config
	stats     Stats
	queue     WorkQueue
	timeouts  *TimeoutRegistry
	cache     *CacheController
	validator *Validator

	devices     []*Device
	byLine      [nIrqLines][]*Device
	dispatchers [nIrqLines]*dispatcher

	// mask models the processor interrupt mask: the shortest possible
	// critical sections around state shared between interrupt and task
	// context. It is never held across a hardware wait.
	mask sync.Mutex

	rx func(*Device, []byte)
}

// Single instance of the driver.
var driver *Driver

// Open initialises the driver for the devices in the configuration.
func Open(cfg *Config, hw *Hardware) (*Driver, error) {
	if driver != nil {
		return nil, fmt.Errorf("driver already open; must close it first")
	}
	if cfg == nil {
		cfg = DefaultConfig
	}
	if hw == nil || hw.Port == nil {
		return nil, fmt.Errorf("no port I/O provided")
	}
	if len(cfg.devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	d := &Driver{io: hw.Port, cfg: cfg}
	if d.pic = hw.Intc; d.pic == nil {
		d.pic = newI8259(hw.Port)
	}
	if d.clk = hw.Clock; d.clk == nil {
		d.clk = newSysClock()
	}
	mapper := hw.Mapper
	if mapper == nil {
		mapper = noMapper{}
	}
	cacheOps := hw.Cache
	if cacheOps == nil {
		cacheOps = hostCacheOps{}
	}
	d.cache = newCacheController(cacheOps, &d.stats)
	d.cache.DetectCapabilities()
	d.validator = newValidator(mapper, d.cache, &d.stats)
	d.timeouts = newTimeoutRegistry(&d.mask, d.clk, &d.stats)

	for i, dc := range cfg.devices {
		if i >= maxDevices {
			break
		}
		if dc.irq < 0 || dc.irq >= nIrqLines || dc.irq == cascadeLine {
			return nil, fmt.Errorf("device %d: invalid interrupt line %d", i, dc.irq)
		}
		dev := &Device{
			drv:    d,
			index:  i,
			ioBase: dc.ioBase,
			irq:    dc.irq,
			caps:   dc.caps,
			window: -1,
			pool:   newRxPool(cfg.poolSize, cfg.watermark, cfg.bufSize),
		}
		d.devices = append(d.devices, dev)
		d.byLine[dc.irq] = append(d.byLine[dc.irq], dev)
	}
	// Hook every line with a registered device, saving the previous
	// vector for chaining.
	for line, devs := range d.byLine {
		if len(devs) == 0 {
			continue
		}
		disp := &dispatcher{drv: d, line: line}
		disp.prev = d.pic.Install(line, disp)
		d.dispatchers[line] = disp
	}
	// Bring the hardware up: reset, enable, post receive buffers.
	for _, dev := range d.devices {
		if err := dev.Reset(); err != nil {
			return nil, fmt.Errorf("device %d: %v", dev.index, err)
		}
		d.refillRx(dev)
	}
	driver = d
	return d, nil
}

// Close shuts the devices down and restores the previous interrupt
// handlers.
func (d *Driver) Close() {
	for _, dev := range d.devices {
		// Abandon armed transmits so their mappings and trackers do
		// not outlive the driver.
		for _, op := range dev.inflight {
			d.timeouts.Reset(op.handle)
			d.validator.Unlock(op.mapping)
		}
		dev.inflight = nil
		dev.command(cmdTxDisable)
		dev.command(cmdRxReset)
	}
	for line, disp := range d.dispatchers {
		if disp != nil {
			d.pic.Install(line, disp.prev)
			d.dispatchers[line] = nil
		}
	}
	driver = nil
}

// Device returns the device at the given table index, nil if out of
// range.
func (d *Driver) Device(i int) *Device {
	if i < 0 || i >= len(d.devices) {
		return nil
	}
	return d.devices[i]
}

// Devices returns the number of managed devices.
func (d *Driver) Devices() int {
	return len(d.devices)
}

// SetReceiver registers the task-context callback handed each received
// frame. The buffer is only valid for the duration of the call.
func (d *Driver) SetReceiver(f func(*Device, []byte)) {
	d.rx = f
}

// Counters returns a snapshot of the driver's statistics.
func (d *Driver) Counters() Stats {
	s := d.stats.Snapshot()
	s.QueueDrops += d.queue.Drops()
	return s
}

// Cache returns the cache coherency controller.
func (d *Driver) Cache() *CacheController {
	return d.cache
}

// Timeouts returns the timeout registry.
func (d *Driver) Timeouts() *TimeoutRegistry {
	return d.timeouts
}

func (d *Driver) devicesOnLine(line int) []*Device {
	return d.byLine[line]
}

// waitTicks busy-polls the tick source for the given delay. The spin
// is iteration-bounded so a stuck clock cannot hang task context.
func (d *Driver) waitTicks(n uint16) {
	const maxSpin = 1 << 22
	start := d.clk.Now()
	for i := 0; i < maxSpin; i++ {
		if elapsedTicks(start, d.clk.Now()) >= uint32(n) {
			return
		}
	}
}

// sysClock derives ticks from the host clock at the traditional
// 18.2 Hz rate, wrapping at the rollover period.
type sysClock struct {
	epoch time.Time
}

func newSysClock() sysClock {
	return sysClock{epoch: time.Now()}
}

func (c sysClock) Now() uint32 {
	t := time.Since(c.epoch) * 182 / 10
	return uint32(t/time.Second) % tickRollover
}

// noMapper is the default mapping service: it can lock nothing, which
// demotes every DMA attempt to the PIO path.
type noMapper struct{}

func (noMapper) Lock(buf []byte, flags MapFlags) (*Mapping, error) {
	return nil, ErrMapping
}

func (noMapper) Unlock(m *Mapping) error {
	return nil
}

// hostCacheOps assumes a cache-coherent host, the common case for any
// hosted environment; all range operations become no-ops.
type hostCacheOps struct{}

func (hostCacheOps) Detect() CacheCaps {
	return CacheCaps{Coherent: true}
}

func (hostCacheOps) FlushLines(p []byte)      {}
func (hostCacheOps) InvalidateLines(p []byte) {}
func (hostCacheOps) WritebackInvalidate()     {}
