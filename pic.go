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

// i8259 drives a cascaded pair of 8259A interrupt controllers through
// port I/O. Lines 0-7 belong to the primary controller, 8-15 to the
// secondary, which relays through the primary's cascade line.
type i8259 struct {
	io       PortIO
	handlers [nIrqLines]Handler
}

func newI8259(io PortIO) *i8259 {
	return &i8259{io: io}
}

// EndOfInterrupt acknowledges a genuine interrupt. Secondary lines are
// acknowledged on the secondary controller first, then on the primary
// for the cascade line.
func (p *i8259) EndOfInterrupt(line int) {
	if line >= 8 {
		p.io.Outb(picSecondaryCmd, picEOI)
	}
	p.io.Outb(picPrimaryCmd, picEOI)
}

// EndOfInterruptPrimary acknowledges only the primary controller. This
// is the spurious-cascade case: the secondary's latch cleared itself,
// but the primary still holds the cascade line in service.
func (p *i8259) EndOfInterruptPrimary(line int) {
	p.io.Outb(picPrimaryCmd, picEOI)
}

// InService reads the owning controller's in-service register and
// tests the line's bit. A clear bit on a line the controller reported
// marks the request spurious.
func (p *i8259) InService(line int) bool {
	cmd := uint16(picPrimaryCmd)
	bit := uint(line)
	if line >= 8 {
		cmd = picSecondaryCmd
		bit = uint(line - 8)
	}
	p.io.Outb(cmd, picReadISR)
	return p.io.Inb(cmd)&(1<<bit) != 0
}

// Install registers the handler for a line and returns the previously
// installed one so the new handler can chain to it.
func (p *i8259) Install(line int, h Handler) Handler {
	if line < 0 || line >= nIrqLines {
		return nil
	}
	prev := p.handlers[line]
	p.handlers[line] = h
	if prev == nil {
		prev = passThrough{}
	}
	return prev
}

// Raise delivers a pending line to its installed handler. This is the
// platform glue's entry point when it observes the interrupt.
func (p *i8259) Raise(line int) bool {
	if line < 0 || line >= nIrqLines || p.handlers[line] == nil {
		return false
	}
	return p.handlers[line].ServiceInterrupt(line)
}

// passThrough stands in for an empty interrupt vector: it accepts
// nothing, so the dispatcher treats the interrupt as unclaimed.
type passThrough struct{}

func (passThrough) ServiceInterrupt(line int) bool {
	return false
}
