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

// Datapath selects how bytes move between memory and the device.
type Datapath int

const (
	PIO Datapath = iota // Programmed I/O through the FIFO data port
	DMA                 // Bus-master descriptor transfer
)

// SelectDatapath picks the transfer mechanism: PIO below the copy-break
// threshold or when the device has no DMA engine, DMA otherwise.
func (d *Driver) SelectDatapath(length int, caps Capability) Datapath {
	if caps&CapDMA == 0 || length < d.cfg.copyBreak {
		return PIO
	}
	return DMA
}

// Transmit queues one frame on the device, choosing PIO or DMA by the
// copy-break policy. DMA transmits are armed but only notified to the
// hardware once a doorbell batch fills (or Kick is called); their
// buffers stay locked until the completion event arrives. A DMA setup
// failure falls back to PIO, never to a truncated transfer.
func (d *Driver) Transmit(dev *Device, pkt []byte) error {
	if dev.Failed() {
		return ErrDeviceFailed
	}
	if d.SelectDatapath(len(pkt), dev.caps) == PIO {
		return d.pioTransmit(dev, pkt)
	}
	if err := d.dmaTransmit(dev, pkt); err != nil {
		d.stats.add(&d.stats.PioFallbacks)
		return d.pioTransmit(dev, pkt)
	}
	return nil
}

// pioTransmit copies the frame through the TX FIFO, padding undersized
// payloads to the minimum frame first. The wait for FIFO room is
// guarded by the timeout registry.
func (d *Driver) pioTransmit(dev *Device, pkt []byte) error {
	n := len(pkt)
	if n < minFrame {
		n = minFrame
	}
	// Assemble into a padded scratch frame; the pad bytes are zero.
	scratch := make([]byte, n)
	copy(scratch, pkt)

	dev.selectWindow(1)
	if err := d.waitTxRoom(dev, n+4); err != nil {
		if err == ErrOperationFailed {
			dev.markFailed()
		}
		return err
	}
	d.io.Outw(dev.ioBase+regTxData, uint16(n))
	d.io.Outw(dev.ioBase+regTxData, 0) // Second preamble word is reserved
	d.io.Outsw(dev.ioBase+regTxData, scratch)
	dev.TxPackets++
	d.stats.add(&d.stats.TxPackets)
	return nil
}

// waitTxRoom polls the free-byte count until the frame fits. Bounded by
// a tracker; expiry resets the transmitter and retries with backoff.
func (d *Driver) waitTxRoom(dev *Device, need int) error {
	h, err := d.timeouts.Begin(OpIO, dev.index, DefaultTicks(OpIO))
	if err != nil {
		return err
	}
	defer d.timeouts.Reset(h)
	retried := false
	for {
		if int(d.io.Inw(dev.ioBase+regTxFree)) >= need {
			if retried {
				d.stats.add(&d.stats.Recoveries)
			}
			return nil
		}
		if d.timeouts.Poll(h) != Expired {
			continue
		}
		delay, ok := d.timeouts.RetryWithBackoff(h, ErrTimeout)
		if !ok {
			return ErrOperationFailed
		}
		retried = true
		// A stuck FIFO usually means a wedged transmitter; reset it
		// before the retry.
		dev.command(cmdTxReset)
		dev.command(cmdTxEnable)
		d.waitTicks(delay)
	}
}

// dmaTransmit validates, locks and arms a bus-master transmit. The
// descriptor list never crosses a 64 KiB window; the completion event
// unlocks the mapping.
func (d *Driver) dmaTransmit(dev *Device, pkt []byte) error {
	m, err := d.validator.LockForDMA(pkt)
	if err != nil {
		return err
	}
	// Outbound transfer: the device is about to read this memory, so
	// dirty cache lines must reach it first.
	d.cache.FlushRange(pkt)

	// Interrupt coalescing: only every K-th packet asks for a TX
	// interrupt, amortising interrupt overhead across the batch.
	dev.txSinceIntr++
	reqIntr := dev.txSinceIntr >= d.cfg.coalesce
	if reqIntr {
		dev.txSinceIntr = 0
	}
	list := d.validator.BuildList(m, len(pkt), reqIntr)

	h, err := d.timeouts.Begin(OpDMA, dev.index, DefaultTicks(OpDMA))
	if err != nil {
		d.validator.Unlock(m)
		return err
	}
	dev.inflight = append(dev.inflight, &txOp{mapping: m, list: list, buf: pkt, handle: h})
	d.io.Outw(dev.ioBase+regDownListPtr, uint16(list.Phys))
	d.io.Outw(dev.ioBase+regDownListPtr+2, uint16(list.Phys>>16))

	// Doorbell batching: one unstall covers the whole batch.
	d.mask.Lock()
	dev.pending++
	kick := dev.pending >= uint32(d.cfg.batch)
	if kick {
		dev.pending = 0
	}
	d.mask.Unlock()
	if kick {
		d.doorbell(dev, cmdDownUnstall)
	}
	return nil
}

// Kick flushes a partial doorbell batch so the device sees work that
// has not yet reached the batch threshold.
func (d *Driver) Kick(dev *Device) {
	d.mask.Lock()
	pending := dev.pending
	dev.pending = 0
	d.mask.Unlock()
	if pending > 0 {
		d.doorbell(dev, cmdDownUnstall)
	}
}

func (d *Driver) doorbell(dev *Device, cmd uint16) {
	dev.command(cmd)
	d.stats.add(&d.stats.Doorbells)
}

// Drain processes queued interrupt events in task context, at most one
// queue's worth per call so one storming device cannot starve its
// peers. It returns the number of events handled.
func (d *Driver) Drain() int {
	handled := 0
	for ; handled < queueSlots; handled++ {
		ev, ok := d.queue.TryPop()
		if !ok {
			break
		}
		dev := d.Device(ev.Device)
		if dev == nil || dev.Failed() {
			continue
		}
		if ev.Status&statAdapterErr != 0 {
			d.recover(dev)
			continue
		}
		if ev.Status&(statDownDone|statDmaDone) != 0 {
			d.completeTx(dev)
		}
		if ev.Status&(statRxComplete|statUpDone) != 0 {
			d.receive(dev)
		}
		if ev.Status&statUpdateStats != 0 {
			dev.harvestStats()
		}
	}
	d.pollInflight()
	return handled
}

// pollInflight is the task-context watchdog for armed transmits. A
// completion event that never arrives must not pin its mapping and
// tracker forever: on expiry the doorbell is rung again in case the
// unstall was lost and the tracker re-armed; once the retries are
// exhausted the device is reset and the armed transfers released.
func (d *Driver) pollInflight() {
	for _, dev := range d.devices {
		if dev.Failed() || len(dev.inflight) == 0 {
			continue
		}
		op := dev.inflight[0]
		if d.timeouts.Poll(op.handle) != Expired {
			continue
		}
		if _, ok := d.timeouts.RetryWithBackoff(op.handle, ErrTimeout); !ok {
			d.recover(dev)
			continue
		}
		d.doorbell(dev, cmdDownUnstall)
	}
}

// completeTx retires armed transmits now that the hardware has
// signalled completion. With coalescing only every K-th descriptor
// requests an interrupt, so one completion event covers the whole
// batch before it: every op up to and including the one that asked for
// the interrupt is retired, its mapping unlocked and its tracker
// released. Ops armed after it wait for the next event.
func (d *Driver) completeTx(dev *Device) {
	for len(dev.inflight) > 0 {
		op := dev.inflight[0]
		dev.inflight = dev.inflight[1:]
		raised := false
		for desc := op.list; desc != nil; desc = desc.Next {
			desc.Status |= descComplete
			if desc.Status&descIntrReq != 0 {
				raised = true
			}
		}
		d.timeouts.Reset(op.handle)
		d.validator.Unlock(op.mapping)
		dev.TxPackets++
		d.stats.add(&d.stats.TxPackets)
		if raised {
			break
		}
	}
}

// receive copies one frame out of the RX FIFO into a pool buffer and
// hands it to the registered receiver. Inbound DMA data is invalidated
// before the copy so the processor cannot read stale cached lines.
func (d *Driver) receive(dev *Device) {
	dev.selectWindow(1)
	rxStatus := d.io.Inw(dev.ioBase + regRxStatus)
	if rxStatus&rxStatIncomplete != 0 {
		return
	}
	if rxStatus&rxStatError != 0 {
		// Bad frame: discard it in the FIFO, never deliver it.
		dev.command(cmdRxDiscard)
		d.stats.add(&d.stats.RxErrors)
		return
	}
	n := int(rxStatus & rxStatLenMask)
	buf := dev.pool.claim()
	if buf == nil || n == 0 || n > len(buf) {
		// Overrun or a garbage length: discard the frame and restart
		// the receiver.
		if buf != nil {
			dev.pool.release(buf)
		}
		dev.command(cmdRxReset)
		dev.command(cmdRxEnable)
		return
	}
	d.io.Insw(dev.ioBase+regRxData, buf[:n])
	// Inbound transfer: discard cached lines before reading what the
	// device wrote.
	d.cache.InvalidateRange(buf[:n])
	dev.RxPackets++
	d.stats.add(&d.stats.RxPackets)
	if d.rx != nil {
		d.rx(dev, buf[:n])
	}
	dev.pool.release(buf)
	if dev.pool.needRefill() {
		d.refillRx(dev)
	}
}

// refillRx posts every free buffer back to the hardware in one batch,
// with a single doorbell, once the posted count falls below the low
// watermark. Register traffic is one unstall per round instead of one
// per buffer.
func (d *Driver) refillRx(dev *Device) {
	n := dev.pool.post()
	if n == 0 {
		return
	}
	d.io.Outw(dev.ioBase+regUpListPtr, uint16(n))
	d.doorbell(dev, cmdUpUnstall)
	d.stats.add(&d.stats.Refills)
}

// recover resets a device that reported adapter failure. A reset that
// itself fails is terminal: the device is marked failed and excluded
// from scheduling, leaving other devices untouched.
func (d *Driver) recover(dev *Device) {
	// Drop any armed transmits; the reset invalidates them.
	for _, op := range dev.inflight {
		d.timeouts.Reset(op.handle)
		d.validator.Unlock(op.mapping)
	}
	dev.inflight = nil
	if err := dev.Reset(); err != nil {
		return // Reset marked the device failed
	}
	d.stats.add(&d.stats.Recoveries)
	d.refillRx(dev)
}
