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

//go:build linux
// +build linux

package elink

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const drvPortDev = "/dev/port"

// devPort implements PortIO over the Linux /dev/port device, where the
// file offset is the port address. Requires CAP_SYS_RAWIO.
type devPort struct {
	fd int
}

// OpenPortIO opens the Linux port I/O device.
func OpenPortIO() (PortIO, error) {
	fd, err := unix.Open(drvPortDev, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", drvPortDev, err)
	}
	return &devPort{fd: fd}, nil
}

// Close releases the port device.
func (p *devPort) Close() error {
	return unix.Close(p.fd)
}

func (p *devPort) Inb(port uint16) uint8 {
	var b [1]byte
	if n, err := unix.Pread(p.fd, b[:], int64(port)); err != nil || n != 1 {
		p.fault(port, err)
	}
	return b[0]
}

func (p *devPort) Inw(port uint16) uint16 {
	var b [2]byte
	if n, err := unix.Pread(p.fd, b[:], int64(port)); err != nil || n != 2 {
		p.fault(port, err)
	}
	// ISA ports are little endian.
	return uint16(b[0]) | uint16(b[1])<<8
}

func (p *devPort) Outb(port uint16, v uint8) {
	b := [1]byte{v}
	if n, err := unix.Pwrite(p.fd, b[:], int64(port)); err != nil || n != 1 {
		p.fault(port, err)
	}
}

func (p *devPort) Outw(port uint16, v uint16) {
	b := [2]byte{uint8(v), uint8(v >> 8)}
	if n, err := unix.Pwrite(p.fd, b[:], int64(port)); err != nil || n != 2 {
		p.fault(port, err)
	}
}

func (p *devPort) Insw(port uint16, buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		v := p.Inw(port)
		buf[i] = uint8(v)
		buf[i+1] = uint8(v >> 8)
	}
}

func (p *devPort) Outsw(port uint16, buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		p.Outw(port, uint16(buf[i])|uint16(buf[i+1])<<8)
	}
	if len(buf)%2 != 0 {
		p.Outb(port, buf[len(buf)-1])
	}
}

// fault reports a port access failure. Register access has no error
// return path, matching real port I/O; a failing /dev/port is fatal.
func (p *devPort) fault(port uint16, err error) {
	if err == nil {
		err = fmt.Errorf("short transfer")
	}
	fmt.Fprintf(os.Stderr, "elink: port 0x%03x access failed: %v\n", port, err)
	panic(err)
}
