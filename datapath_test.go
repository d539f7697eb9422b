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
	"errors"
	"testing"
)

func TestSelectDatapath(t *testing.T) {
	r := newRig(t, nil)
	cases := []struct {
		length int
		caps   Capability
		want   Datapath
	}{
		{80, CapDMA, PIO},   // Below copy-break regardless of DMA
		{80, 0, PIO},
		{1200, CapDMA, DMA},
		{1200, 0, PIO},      // No DMA engine
		{191, CapDMA, PIO},  // One under the threshold
		{192, CapDMA, DMA},  // At the threshold
	}
	for _, c := range cases {
		if got := r.drv.SelectDatapath(c.length, c.caps); got != c.want {
			t.Errorf("SelectDatapath(%d, %v) = %v, want %v", c.length, c.caps, got, c.want)
		}
	}
}

func TestPioTransmitPads(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	pkt := make([]byte, 40)
	for i := range pkt {
		pkt[i] = byte(i + 1)
	}
	if err := r.drv.Transmit(dev, pkt); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	// Undersized payloads are padded to the minimum frame before the
	// FIFO copy; the length preamble reflects the padded size.
	if r.port.countWrites(testBase+regTxData, minFrame) != 1 {
		t.Fatalf("length word not written: %v", r.port.writes)
	}
	if len(r.port.outsw) != 1 || len(r.port.outsw[0]) != minFrame {
		t.Fatalf("outsw = %d frames, first len %d", len(r.port.outsw), len(r.port.outsw[0]))
	}
	got := r.port.outsw[0]
	for i := range pkt {
		if got[i] != pkt[i] {
			t.Fatalf("payload byte %d = %#x", i, got[i])
		}
	}
	for i := len(pkt); i < minFrame; i++ {
		if got[i] != 0 {
			t.Fatalf("pad byte %d = %#x, want 0", i, got[i])
		}
	}
	if r.drv.Counters().TxPackets != 1 {
		t.Fatalf("TxPackets = %d", r.drv.Counters().TxPackets)
	}
	if r.mapper.locks != 0 {
		t.Fatalf("PIO transmit touched the mapper")
	}
}

func TestDmaTransmitEndToEnd(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	pkt := make([]byte, 1200)

	if err := r.drv.Transmit(dev, pkt); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if r.mapper.locks != 1 {
		t.Fatalf("locks = %d, want 1", r.mapper.locks)
	}
	// Outbound flush happened before arming, at line granularity.
	if r.cache.count("flush") != 1 {
		t.Fatalf("flush calls = %d, want 1", r.cache.count("flush"))
	}
	// The list pointer was programmed with the mapped address.
	if r.port.countWrites(testBase+regDownListPtr, uint16(r.mapper.phys)) != 1 {
		t.Fatalf("list pointer low word not written")
	}
	if r.port.countWrites(testBase+regDownListPtr+2, uint16(r.mapper.phys>>16)) != 1 {
		t.Fatalf("list pointer high word not written")
	}
	// Unlock is deferred to completion.
	if r.mapper.unlocks != 0 {
		t.Fatalf("mapping unlocked before completion")
	}
	if len(dev.inflight) != 1 {
		t.Fatalf("inflight = %d", len(dev.inflight))
	}

	// Completion event retires the transfer: descriptors marked done,
	// tracker released, mapping unlocked.
	r.push(statDownDone)
	if n := r.drv.Drain(); n != 1 {
		t.Fatalf("Drain handled %d events", n)
	}
	if r.mapper.unlocks != 1 {
		t.Fatalf("unlocks = %d after completion", r.mapper.unlocks)
	}
	if len(dev.inflight) != 0 {
		t.Fatalf("inflight not retired")
	}
	if r.drv.Timeouts().InUse() != 0 {
		t.Fatalf("tracker leaked: %d in use", r.drv.Timeouts().InUse())
	}
	if r.drv.Counters().TxPackets != 1 {
		t.Fatalf("TxPackets = %d", r.drv.Counters().TxPackets)
	}
}

func TestDoorbellBatching(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	pkt := make([]byte, 1200)

	// Below the batch threshold: armed but no doorbell.
	for i := 0; i < r.drv.cfg.batch-1; i++ {
		if err := r.drv.Transmit(dev, pkt); err != nil {
			t.Fatalf("Transmit %d: %v", i, err)
		}
	}
	if n := r.port.countWrites(testBase+regCommand, cmdDownUnstall); n != 0 {
		t.Fatalf("doorbell rang early: %d", n)
	}
	// The batch-filling operation rings one doorbell for all of them.
	r.drv.Transmit(dev, pkt)
	if n := r.port.countWrites(testBase+regCommand, cmdDownUnstall); n != 1 {
		t.Fatalf("doorbells = %d, want 1", n)
	}
	// A partial batch is flushed explicitly by Kick.
	r.drv.Transmit(dev, pkt)
	r.drv.Kick(dev)
	if n := r.port.countWrites(testBase+regCommand, cmdDownUnstall); n != 2 {
		t.Fatalf("doorbells after Kick = %d, want 2", n)
	}
	// Kick with nothing pending is silent.
	r.drv.Kick(dev)
	if n := r.port.countWrites(testBase+regCommand, cmdDownUnstall); n != 2 {
		t.Fatalf("empty Kick rang the doorbell")
	}
}

func TestTxCoalescing(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	pkt := make([]byte, 1200)
	k := r.drv.cfg.coalesce
	for i := 0; i < k; i++ {
		if err := r.drv.Transmit(dev, pkt); err != nil {
			t.Fatalf("Transmit %d: %v", i, err)
		}
	}
	// Only every K-th transmit requests a completion interrupt.
	for i, op := range dev.inflight {
		want := i == k-1
		got := op.list.Status&descIntrReq != 0
		if got != want {
			t.Fatalf("transmit %d interrupt request = %v, want %v", i, got, want)
		}
	}
	// The hardware raises one event for the K-th descriptor; it must
	// retire the whole batch before it, not just one op, or the other
	// mappings and trackers stay pinned forever.
	r.push(statDownDone)
	r.drv.Drain()
	if len(dev.inflight) != 0 {
		t.Fatalf("inflight = %d after batch completion", len(dev.inflight))
	}
	if r.mapper.unlocks != k {
		t.Fatalf("unlocks = %d, want %d", r.mapper.unlocks, k)
	}
	if r.drv.Timeouts().InUse() != 0 {
		t.Fatalf("trackers leaked: %d in use", r.drv.Timeouts().InUse())
	}
	if got := r.drv.Counters().TxPackets; got != uint32(k) {
		t.Fatalf("TxPackets = %d, want %d", got, k)
	}
	// The coalesce counter reset with the batch: a whole second batch
	// arms over DMA (no tracker shortage demoting it to PIO) and its
	// first transmit does not request an interrupt.
	for i := 0; i < k; i++ {
		if err := r.drv.Transmit(dev, pkt); err != nil {
			t.Fatalf("second batch transmit %d: %v", i, err)
		}
	}
	if r.drv.Counters().PioFallbacks != 0 {
		t.Fatalf("second batch demoted to PIO")
	}
	if op := dev.inflight[0]; op.list.Status&descIntrReq != 0 {
		t.Fatalf("first transmit of new window requests interrupt")
	}
}

func TestTxPartialBatchCompletion(t *testing.T) {
	cfg := NewConfig().AddDevice(testBase, testIrq, CapDMA).CoalesceEvery(3)
	r := newRig(t, cfg)
	dev := r.drv.Device(0)
	pkt := make([]byte, 1200)
	// Five armed ops: the third requests the interrupt, the last two
	// belong to the next coalesce window.
	for i := 0; i < 5; i++ {
		if err := r.drv.Transmit(dev, pkt); err != nil {
			t.Fatalf("Transmit %d: %v", i, err)
		}
	}
	// The event retires up to and including the interrupt-requesting
	// op; ops armed after it await the next event.
	r.push(statDownDone)
	r.drv.Drain()
	if len(dev.inflight) != 2 {
		t.Fatalf("inflight = %d, want 2", len(dev.inflight))
	}
	if r.mapper.unlocks != 3 {
		t.Fatalf("unlocks = %d, want 3", r.mapper.unlocks)
	}
	if r.drv.Timeouts().InUse() != 2 {
		t.Fatalf("trackers in use = %d, want 2", r.drv.Timeouts().InUse())
	}
}

func TestDmaCompletionLost(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	if err := r.drv.Transmit(dev, make([]byte, 1200)); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	bells := r.port.countWrites(testBase+regCommand, cmdDownUnstall)

	// The completion event never arrives. Each expiry re-rings the
	// doorbell in case the unstall was lost and re-arms the tracker.
	for i := 0; i < maxRetries; i++ {
		r.clk.advance(TicksDMA + 5)
		r.drv.Drain()
	}
	if got := r.port.countWrites(testBase+regCommand, cmdDownUnstall); got != bells+maxRetries {
		t.Fatalf("retry doorbells = %d, want %d", got-bells, maxRetries)
	}
	if len(dev.inflight) != 1 {
		t.Fatalf("transfer abandoned before retries exhausted")
	}
	if r.mapper.unlocks != 0 {
		t.Fatalf("mapping released while the transfer could still complete")
	}

	// Exhausted retries abandon the transfer and reset the device.
	r.clk.advance(TicksDMA + 5)
	r.drv.Drain()
	if len(dev.inflight) != 0 {
		t.Fatalf("abandoned transfer still inflight")
	}
	if r.mapper.unlocks != 1 {
		t.Fatalf("unlocks = %d, want 1", r.mapper.unlocks)
	}
	if r.drv.Timeouts().InUse() != 0 {
		t.Fatalf("tracker leaked: %d in use", r.drv.Timeouts().InUse())
	}
	if dev.Failed() {
		t.Fatalf("recoverable timeout marked the device failed")
	}
	if r.drv.Counters().Recoveries != 1 {
		t.Fatalf("Recoveries = %d, want 1", r.drv.Counters().Recoveries)
	}
}

func TestDmaFallsBackToPio(t *testing.T) {
	r := newRig(t, nil)
	r.mapper.err = errors.New("lock refused")
	dev := r.drv.Device(0)
	pkt := make([]byte, 1200)

	if err := r.drv.Transmit(dev, pkt); err != nil {
		t.Fatalf("Transmit with failing mapper: %v", err)
	}
	// The frame still went out, through the FIFO.
	if len(r.port.outsw) != 1 || len(r.port.outsw[0]) != 1200 {
		t.Fatalf("PIO fallback did not transmit")
	}
	s := r.drv.Counters()
	if s.PioFallbacks != 1 {
		t.Fatalf("PioFallbacks = %d, want 1", s.PioFallbacks)
	}
	if s.TxPackets != 1 {
		t.Fatalf("TxPackets = %d", s.TxPackets)
	}
}

func TestReceiveAndBatchRefill(t *testing.T) {
	cfg := NewConfig().AddDevice(testBase, testIrq, CapDMA)
	r := newRig(t, cfg)
	dev := r.drv.Device(0)
	r.port.regs[testBase+regRxStatus] = 100 // Every frame 100 bytes

	var frames int
	r.drv.SetReceiver(func(d *Device, b []byte) {
		frames++
		if len(b) != 100 {
			t.Fatalf("frame %d length %d", frames, len(b))
		}
	})
	// Open posted the whole pool with one doorbell.
	if dev.pool.available() != r.drv.cfg.poolSize {
		t.Fatalf("pool not posted at open")
	}
	refills := r.port.countWrites(testBase+regCommand, cmdUpUnstall)
	if refills != 1 {
		t.Fatalf("initial refill doorbells = %d", refills)
	}

	// Drain receives one at a time until the armed count crosses the
	// low watermark; only then is the pool batch-refilled.
	n := r.drv.cfg.poolSize - r.drv.cfg.watermark + 1 // 13 with defaults
	for i := 0; i < n; i++ {
		r.push(statRxComplete)
		r.drv.Drain()
	}
	if frames != n {
		t.Fatalf("delivered %d frames, want %d", frames, n)
	}
	if got := r.port.countWrites(testBase+regCommand, cmdUpUnstall); got != 2 {
		t.Fatalf("refill doorbells = %d, want 2 (one batch)", got)
	}
	if dev.pool.available() != r.drv.cfg.poolSize {
		t.Fatalf("pool not fully re-posted: %d", dev.pool.available())
	}
	s := r.drv.Counters()
	if s.RxPackets != uint32(n) {
		t.Fatalf("RxPackets = %d", s.RxPackets)
	}
	if s.Refills != 2 {
		t.Fatalf("Refills = %d", s.Refills)
	}
	// Inbound data was invalidated before delivery.
	if r.cache.count("invalidate") != n {
		t.Fatalf("invalidate calls = %d, want %d", r.cache.count("invalidate"), n)
	}
}

func TestReceiveErroredFrame(t *testing.T) {
	r := newRig(t, nil)
	// Error bit set: the frame is dropped in the FIFO and never reaches
	// the receiver.
	r.port.regs[testBase+regRxStatus] = rxStatError | 100
	var frames int
	r.drv.SetReceiver(func(*Device, []byte) { frames++ })
	r.push(statRxComplete)
	r.drv.Drain()
	if frames != 0 {
		t.Fatalf("errored frame delivered as good data")
	}
	if r.port.countWrites(testBase+regCommand, cmdRxDiscard) != 1 {
		t.Fatalf("errored frame not discarded")
	}
	s := r.drv.Counters()
	if s.RxErrors != 1 || s.RxPackets != 0 {
		t.Fatalf("RxErrors = %d RxPackets = %d", s.RxErrors, s.RxPackets)
	}
	// An incomplete frame is left alone until fully arrived.
	r.port.regs[testBase+regRxStatus] = rxStatIncomplete | 100
	r.push(statRxComplete)
	r.drv.Drain()
	if r.port.countWrites(testBase+regCommand, cmdRxDiscard) != 1 || frames != 0 {
		t.Fatalf("incomplete frame consumed")
	}
}

func TestReceiveOverrun(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	r.port.regs[testBase+regRxStatus] = 100
	// Hardware reports a frame with nothing armed: the frame is
	// discarded and the receiver restarted.
	dev.pool.posted = nil
	before := r.port.countWrites(testBase+regCommand, cmdRxEnable)
	r.push(statRxComplete)
	r.drv.Drain()
	if r.drv.Counters().RxPackets != 0 {
		t.Fatalf("overrun delivered a frame")
	}
	if r.port.countWrites(testBase+regCommand, cmdRxEnable) != before+1 {
		t.Fatalf("receiver not restarted")
	}
}

func TestAdapterFailureRecovery(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	pkt := make([]byte, 1200)
	r.drv.Transmit(dev, pkt) // Leave one transfer armed

	r.push(statAdapterErr)
	r.drv.Drain()
	// The armed transfer was abandoned and its resources released.
	if r.mapper.unlocks != 1 {
		t.Fatalf("armed mapping not released on recovery")
	}
	if len(dev.inflight) != 0 {
		t.Fatalf("inflight survived the reset")
	}
	if dev.Failed() {
		t.Fatalf("recoverable failure marked the device failed")
	}
	if r.drv.Counters().Recoveries != 1 {
		t.Fatalf("Recoveries = %d", r.drv.Counters().Recoveries)
	}
	// The reset invalidated the window cache.
	if got := r.port.countWrites(testBase+regCommand, cmdTotalReset); got < 2 {
		t.Fatalf("total reset not reissued: %d", got)
	}
}

func TestAdapterFailureTerminal(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	// The reset never completes: the device must be marked failed and
	// excluded, not retried forever.
	r.port.regs[testBase+regStatus] = statCmdBusy
	r.push(statAdapterErr)
	r.drv.Drain()
	if !dev.Failed() {
		t.Fatalf("device not marked failed after reset failure")
	}
	if err := r.drv.Transmit(dev, make([]byte, 64)); err != ErrDeviceFailed {
		t.Fatalf("Transmit on failed device: %v", err)
	}
	if r.drv.Counters().Failures != 1 {
		t.Fatalf("Failures = %d", r.drv.Counters().Failures)
	}
	// A failed device's events are skipped, other devices unaffected.
	r.push(statRxComplete)
	if r.drv.Drain() != 1 {
		t.Fatalf("event for failed device not consumed")
	}
	if r.drv.Counters().RxPackets != 0 {
		t.Fatalf("failed device still scheduled")
	}
}

func TestTransmitWithoutTimeoutSlot(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	// Exhaust the registry: no operation may start unprotected.
	for i := 0; i < nTrackers; i++ {
		if _, err := r.drv.Timeouts().Begin(OpIO, 0, 10); err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
	}
	if err := r.drv.Transmit(dev, make([]byte, 64)); err != ErrNoTimeoutSlot {
		t.Fatalf("Transmit without slots: %v, want ErrNoTimeoutSlot", err)
	}
	if dev.Failed() {
		t.Fatalf("slot exhaustion marked the device failed")
	}
}

func TestTxStuckFifoTerminal(t *testing.T) {
	r := newRig(t, nil)
	dev := r.drv.Device(0)
	r.port.regs[testBase+regTxFree] = 0 // FIFO never drains

	err := r.drv.Transmit(dev, make([]byte, 64))
	if err != ErrOperationFailed {
		t.Fatalf("Transmit with stuck FIFO: %v, want ErrOperationFailed", err)
	}
	if !dev.Failed() {
		t.Fatalf("device not marked failed")
	}
	s := r.drv.Counters()
	if s.Retries != maxRetries {
		t.Fatalf("Retries = %d, want %d", s.Retries, maxRetries)
	}
	if s.Timeouts == 0 {
		t.Fatalf("no timeout recorded")
	}
	// Each retry reset the transmitter before backing off.
	if got := r.port.countWrites(testBase+regCommand, cmdTxReset); got != maxRetries {
		t.Fatalf("TxReset issued %d times, want %d", got, maxRetries)
	}
}
