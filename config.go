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

// Capability flags describing what a device can do.
type Capability uint8

const (
	CapDMA Capability = 1 << iota // Bus-master DMA engine present
)

// devConfig describes one device to be managed.
type devConfig struct {
	ioBase uint16
	irq    int
	caps   Capability
}

// Config contains the device table and the tuning knobs for the driver.
// A configuration is initialised through chained methods e.g:
//   c := elink.NewConfig()
//   c.AddDevice(0x300, 10, elink.CapDMA).CopyBreak(256)
//   d, err := elink.Open(c)
type Config struct {
	devices   []devConfig
	copyBreak int // PIO below this many bytes
	coalesce  int // Request a TX interrupt every this many packets
	batch     int // Doorbell once this many operations are pending
	poolSize  int // RX buffers per device
	watermark int // Batch-refill RX when available drops below this
	bufSize   int // Bytes per RX buffer
	isrBudget int // Max status loops serviced per interrupt
}

// The default config: no devices (callers add their own), copy-break at
// 192 bytes, a TX interrupt every 8 packets, doorbells batched 4 deep,
// and a 16-buffer RX pool refilled when fewer than 4 remain.
//
// Before the driver is opened this may be modified in place e.g
// DefaultConfig.AddDevice(0x300, 10, elink.CapDMA)
var DefaultConfig *Config

func init() {
	DefaultConfig = NewConfig()
}

// NewConfig creates a Config holding the default tuning values.
func NewConfig() *Config {
	c := new(Config)
	c.Clear()
	return c
}

// Clear resets the configuration to its defaults.
func (c *Config) Clear() *Config {
	c.devices = nil
	c.copyBreak = 192
	c.coalesce = 8
	c.batch = 4
	c.poolSize = 16
	c.watermark = 4
	c.bufSize = 1536
	c.isrBudget = 8
	return c
}

// AddDevice registers a device at the given I/O base and interrupt line.
// At most four devices may be added; extras are ignored by Open.
func (c *Config) AddDevice(ioBase uint16, irq int, caps Capability) *Config {
	c.devices = append(c.devices, devConfig{ioBase: ioBase, irq: irq, caps: caps})
	return c
}

// CopyBreak sets the threshold below which transfers always use PIO.
func (c *Config) CopyBreak(n int) *Config {
	if n > 0 {
		c.copyBreak = n
	}
	return c
}

// CoalesceEvery sets how many TX packets are sent between interrupt
// requests. 1 requests an interrupt for every packet.
func (c *Config) CoalesceEvery(k int) *Config {
	if k > 0 {
		c.coalesce = k
	}
	return c
}

// DoorbellBatch sets how many pending operations accumulate before a
// single doorbell write notifies the device.
func (c *Config) DoorbellBatch(n int) *Config {
	if n > 0 {
		c.batch = n
	}
	return c
}

// RxPool sets the RX buffer pool size and the low watermark that
// triggers a batched refill.
func (c *Config) RxPool(size, watermark int) *Config {
	if size > 0 && watermark > 0 && watermark <= size {
		c.poolSize = size
		c.watermark = watermark
	}
	return c
}

// InterruptBudget caps how many status iterations one interrupt may
// service, so a busy device cannot monopolise its line.
func (c *Config) InterruptBudget(n int) *Config {
	if n > 0 {
		c.isrBudget = n
	}
	return c
}
