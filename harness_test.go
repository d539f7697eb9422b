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
	"testing"
)

// Test doubles for the hardware collaborators.

type portWrite struct {
	port uint16
	val  uint16
}

type fakePort struct {
	regs   map[uint16]uint16
	queued map[uint16][]uint16 // Scripted reads, consumed before regs
	writes []portWrite
	outsw  [][]byte
	insw   []int
}

func newFakePort() *fakePort {
	return &fakePort{
		regs:   make(map[uint16]uint16),
		queued: make(map[uint16][]uint16),
	}
}

func (p *fakePort) queueRead(port, v uint16) {
	p.queued[port] = append(p.queued[port], v)
}

func (p *fakePort) Inw(port uint16) uint16 {
	if q := p.queued[port]; len(q) > 0 {
		p.queued[port] = q[1:]
		return q[0]
	}
	return p.regs[port]
}

func (p *fakePort) Inb(port uint16) uint8 {
	return uint8(p.Inw(port))
}

// Outw records the write without latching it into regs: device
// registers are not RAM, reads return whatever a test scripted.
func (p *fakePort) Outw(port uint16, v uint16) {
	p.writes = append(p.writes, portWrite{port: port, val: v})
}

func (p *fakePort) Outb(port uint16, v uint8) {
	p.Outw(port, uint16(v))
}

func (p *fakePort) Insw(port uint16, buf []byte) {
	p.insw = append(p.insw, len(buf))
	for i := range buf {
		buf[i] = byte(i)
	}
}

func (p *fakePort) Outsw(port uint16, buf []byte) {
	c := make([]byte, len(buf))
	copy(c, buf)
	p.outsw = append(p.outsw, c)
}

// countWrites returns how many writes of val went to port.
func (p *fakePort) countWrites(port, val uint16) int {
	n := 0
	for _, w := range p.writes {
		if w.port == port && w.val == val {
			n++
		}
	}
	return n
}

type fakePIC struct {
	eois      []string // "full:N" or "primary:N", in call order
	inService map[int]bool
	handlers  map[int]Handler
	prev      Handler // Returned by Install as the previous vector
}

func newFakePIC() *fakePIC {
	return &fakePIC{
		inService: make(map[int]bool),
		handlers:  make(map[int]Handler),
	}
}

func (p *fakePIC) EndOfInterrupt(line int) {
	p.eois = append(p.eois, fmt.Sprintf("full:%d", line))
}

func (p *fakePIC) EndOfInterruptPrimary(line int) {
	p.eois = append(p.eois, fmt.Sprintf("primary:%d", line))
}

func (p *fakePIC) InService(line int) bool {
	return p.inService[line]
}

func (p *fakePIC) Install(line int, h Handler) Handler {
	p.handlers[line] = h
	if p.prev != nil {
		return p.prev
	}
	return passThrough{}
}

type fakeClock struct {
	t    uint32
	step uint32 // Auto-advance per Now, for waits that must terminate
}

func (c *fakeClock) Now() uint32 {
	v := c.t
	c.t = (c.t + c.step) % tickRollover
	return v
}

func (c *fakeClock) advance(n uint32) {
	c.t = (c.t + n) % tickRollover
}

type fakeMapper struct {
	phys     uint32
	hint     CoherencyHint
	remapped bool
	copied   bool
	err      error
	locks    int
	unlocks  int
	flags    MapFlags
}

func (m *fakeMapper) Lock(buf []byte, flags MapFlags) (*Mapping, error) {
	m.flags = flags
	if m.err != nil {
		return nil, m.err
	}
	m.locks++
	return &Mapping{
		Phys:      m.phys,
		Remapped:  m.remapped,
		Copied:    m.copied,
		Coherency: m.hint,
	}, nil
}

func (m *fakeMapper) Unlock(mp *Mapping) error {
	m.unlocks++
	return nil
}

type cacheCall struct {
	op string
	n  int
}

type fakeCacheOps struct {
	caps    CacheCaps
	detects int
	calls   []cacheCall
}

func (c *fakeCacheOps) Detect() CacheCaps {
	c.detects++
	return c.caps
}

func (c *fakeCacheOps) FlushLines(p []byte) {
	c.calls = append(c.calls, cacheCall{op: "flush", n: len(p)})
}

func (c *fakeCacheOps) InvalidateLines(p []byte) {
	c.calls = append(c.calls, cacheCall{op: "invalidate", n: len(p)})
}

func (c *fakeCacheOps) WritebackInvalidate() {
	c.calls = append(c.calls, cacheCall{op: "wbinvd"})
}

func (c *fakeCacheOps) count(op string) int {
	n := 0
	for _, call := range c.calls {
		if call.op == op {
			n++
		}
	}
	return n
}

// testRig is a driver opened against fakes: one DMA-capable device at
// 0x300 on line 10 (secondary controller) unless the config says
// otherwise.
type testRig struct {
	drv    *Driver
	port   *fakePort
	pic    *fakePIC
	clk    *fakeClock
	mapper *fakeMapper
	cache  *fakeCacheOps
}

const (
	testBase = uint16(0x300)
	testIrq  = 10
)

func newRig(t *testing.T, cfg *Config) *testRig {
	t.Helper()
	if cfg == nil {
		cfg = NewConfig().AddDevice(testBase, testIrq, CapDMA)
	}
	r := &testRig{
		port:   newFakePort(),
		pic:    newFakePIC(),
		clk:    &fakeClock{step: 1},
		mapper: &fakeMapper{phys: 0x100000, hint: CoherencyManual},
		cache:  &fakeCacheOps{caps: CacheCaps{LineOps: true, Global: true}},
	}
	// The TX FIFO always has room unless a test scripts otherwise.
	for _, dc := range cfg.devices {
		r.port.regs[dc.ioBase+regTxFree] = 2048
	}
	drv, err := Open(cfg, &Hardware{
		Port:   r.port,
		Intc:   r.pic,
		Clock:  r.clk,
		Mapper: r.mapper,
		Cache:  r.cache,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.drv = drv
	t.Cleanup(drv.Close)
	return r
}

// push delivers an event the way the dispatcher would.
func (r *testRig) push(status uint16) {
	r.drv.queue.TryPush(Event{Status: status, Device: 0, IOBase: testBase})
}
