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

// Device represents one managed network interface.
type Device struct {
	drv    *Driver
	index  int
	ioBase uint16
	irq    int
	caps   Capability

	// window caches the last selected register window so the hot path
	// can skip redundant select commands. -1 means unknown, which
	// forces the next select through to the hardware.
	window int32

	failed uint32 // Atomic; non-zero excludes the device from scheduling

	// Datapath state, task context only.
	txSinceIntr int    // Packets since the last requested TX interrupt
	pending     uint32 // Operations awaiting a doorbell; under the mask
	inflight    []*txOp
	pool        *rxPool

	TxPackets uint32
	RxPackets uint32
	Hw        HwStats
}

// HwStats are the device's cumulative hardware statistics, accumulated
// from its clear-on-read window 6 registers on each harvest.
type HwStats struct {
	CarrierLost      uint32
	SqeErrors        uint32
	MultiCollisions  uint32
	SingleCollisions uint32
	LateCollisions   uint32
	RxOverruns       uint32
	TxFrames         uint32
	RxFrames         uint32
	TxDeferrals      uint32
	RxBytes          uint32
	TxBytes          uint32
}

// txOp is an armed DMA transmit awaiting its completion event.
type txOp struct {
	mapping *Mapping
	list    *Descriptor
	buf     []byte
	handle  Handle
}

// Index returns the device's position in the device table.
func (d *Device) Index() int {
	return d.index
}

// IOBase returns the device's I/O base address.
func (d *Device) IOBase() uint16 {
	return d.ioBase
}

// Failed reports whether the device has been marked failed.
func (d *Device) Failed() bool {
	return atomic.LoadUint32(&d.failed) != 0
}

// markFailed takes the device out of scheduling. Other devices are
// unaffected.
func (d *Device) markFailed() {
	atomic.StoreUint32(&d.failed, 1)
	d.drv.stats.add(&d.drv.stats.Failures)
}

// command writes a command word to the device.
func (d *Device) command(op uint16) {
	d.drv.io.Outw(d.ioBase+regCommand, op)
}

// status reads the shared status register.
func (d *Device) status() uint16 {
	return d.drv.io.Inw(d.ioBase + regStatus)
}

// selectWindow selects a register window, skipping the command when the
// window is already current.
func (d *Device) selectWindow(w int) {
	if atomic.LoadInt32(&d.window) == int32(w) {
		return
	}
	d.command(cmdSelectWindow | uint16(w))
	atomic.StoreInt32(&d.window, int32(w))
}

// forgetWindow invalidates the cached window so the next select is
// written through. Required after any reset, which leaves the hardware
// in window 0 regardless of what was selected.
func (d *Device) forgetWindow() {
	atomic.StoreInt32(&d.window, -1)
}

// waitCmd polls until the device finishes executing the last command.
// The wait is bounded by a tracker from the timeout registry; on
// expiry it is retried with backoff until the registry gives up.
func (d *Device) waitCmd(op OpType) error {
	h, err := d.drv.timeouts.Begin(op, d.index, DefaultTicks(op))
	if err != nil {
		return err
	}
	defer d.drv.timeouts.Reset(h)
	for {
		if d.status()&statCmdBusy == 0 {
			return nil
		}
		if d.drv.timeouts.Poll(h) != Expired {
			continue
		}
		delay, ok := d.drv.timeouts.RetryWithBackoff(h, ErrTimeout)
		if !ok {
			return ErrOperationFailed
		}
		d.drv.waitTicks(delay)
	}
}

// Reset issues a total reset and waits for the settle. The window
// cache is invalidated first so post-reset selects reach the hardware.
func (d *Device) Reset() error {
	d.command(cmdTotalReset)
	d.forgetWindow()
	if err := d.waitCmd(OpReset); err != nil {
		d.markFailed()
		return err
	}
	d.command(cmdRxEnable)
	d.command(cmdTxEnable)
	return nil
}

// harvestStats drains the device's statistics registers into the
// cumulative counters. The hardware raises statUpdateStats when the
// 8-bit registers near overflow; reading them clears them. Collection
// is disabled around the reads so the device does not update the
// registers mid-harvest.
func (d *Device) harvestStats() {
	d.command(cmdStatsDisable)
	d.selectWindow(6)
	p := d.drv.io
	d.Hw.CarrierLost += uint32(p.Inb(d.ioBase + regStatsBase + 0))
	d.Hw.SqeErrors += uint32(p.Inb(d.ioBase + regStatsBase + 1))
	d.Hw.MultiCollisions += uint32(p.Inb(d.ioBase + regStatsBase + 2))
	d.Hw.SingleCollisions += uint32(p.Inb(d.ioBase + regStatsBase + 3))
	d.Hw.LateCollisions += uint32(p.Inb(d.ioBase + regStatsBase + 4))
	d.Hw.RxOverruns += uint32(p.Inb(d.ioBase + regStatsBase + 5))
	d.Hw.TxFrames += uint32(p.Inb(d.ioBase + regStatsBase + 6))
	d.Hw.RxFrames += uint32(p.Inb(d.ioBase + regStatsBase + 7))
	d.Hw.TxDeferrals += uint32(p.Inb(d.ioBase + regStatsBase + 8))
	d.Hw.RxBytes += uint32(p.Inw(d.ioBase + regRxBytes))
	d.Hw.TxBytes += uint32(p.Inw(d.ioBase + regTxBytes))
	d.selectWindow(1)
	d.command(cmdStatsEnable)
}
