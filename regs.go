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

// Device limits.
const (
	maxDevices = 4  // Devices known at initialisation
	nIrqLines  = 16 // Two cascaded 8259 controllers
	minFrame   = 60 // Minimum Ethernet frame, FCS excluded
)

// Register offsets relative to the device I/O base.
// The command/status register is shared across all windows; every other
// offset is valid only while its window is selected.
const (
	regCommand = 0x0E // Command register (write)
	regStatus  = 0x0E // Status register (read)

	// Window 1 (operating set)
	regTxData   = 0x00 // TX FIFO data (PIO)
	regRxData   = 0x00 // RX FIFO data (PIO)
	regRxStatus = 0x08 // RX status
	regTxStatus = 0x0B // TX status (byte)
	regTxFree   = 0x0C // Free bytes in TX FIFO

	// Window 4 (diagnostics/media)
	regMedia = 0x0A // Media type and status

	// Window 6 (statistics, clear-on-read)
	regStatsBase = 0x00 // First of the statistics byte counters
	regRxBytes   = 0x0A // Received bytes (word)
	regTxBytes   = 0x0C // Transmitted bytes (word)

	// Bus-master registers (window independent on DMA-capable parts)
	regDmaCtrl     = 0x20 // DMA control
	regDownListPtr = 0x24 // TX (downstream) descriptor list pointer
	regUpListPtr   = 0x38 // RX (upstream) descriptor list pointer
)

// Commands, written to regCommand as opcode<<11 | argument.
const (
	cmdTotalReset   = 0 << 11
	cmdSelectWindow = 1 << 11
	cmdRxEnable     = 4 << 11
	cmdRxReset      = 5 << 11
	cmdRxDiscard    = 8 << 11
	cmdTxEnable     = 9 << 11
	cmdTxDisable    = 10 << 11
	cmdTxReset      = 11 << 11
	cmdAckIntr      = 13 << 11
	cmdSetIntrMask  = 14 << 11
	cmdSetRxFilter  = 16 << 11
	cmdStatsEnable  = 21 << 11
	cmdStatsDisable = 22 << 11
	cmdUpUnstall    = 30<<11 | 1 // RX doorbell: resume upstream DMA
	cmdDownUnstall  = 30<<11 | 3 // TX doorbell: resume downstream DMA
)

// Status register bits.
const (
	statIntLatch    = 0x0001 // Interrupt latched; cleared by writing it back
	statAdapterErr  = 0x0002 // Adapter failure
	statTxComplete  = 0x0004 // TX finished (or errored; read TX status)
	statTxAvail     = 0x0008 // Room in TX FIFO
	statRxComplete  = 0x0010 // Packet in RX FIFO
	statIntReq      = 0x0040 // Interrupt requested
	statUpdateStats = 0x0080 // Statistics registers near overflow
	statDmaDone     = 0x0100 // Bus-master transfer complete
	statDownDone    = 0x0200 // Downstream (TX) list complete
	statUpDone      = 0x0400 // Upstream (RX) list complete
	statCmdBusy     = 0x1000 // Command still executing

	// Bits acknowledged by writing the latch back.
	statAckMask = statIntLatch | statTxComplete | statRxComplete |
		statUpdateStats | statDmaDone | statDownDone | statUpDone
)

// RX status register fields (window 1).
const (
	rxStatIncomplete = 0x8000 // Frame still arriving
	rxStatError      = 0x4000 // Error code valid in bits 11-13
	rxStatLenMask    = 0x07FF
)

// 8259 interrupt controller ports and commands.
const (
	picPrimaryCmd    = 0x20
	picPrimaryData   = 0x21
	picSecondaryCmd  = 0xA0
	picSecondaryData = 0xA1

	picEOI     = 0x20 // OCW2 non-specific end of interrupt
	picReadISR = 0x0B // OCW3: next command-port read returns the ISR

	cascadeLine = 2 // Primary line relaying the secondary controller
)

// DMA addressing limits for the ISA bus.
const (
	dmaWindow  = 0x10000   // 64 KiB; a transfer may not cross an aligned window
	dmaCeiling = 0x1000000 // 16 MiB; 24-bit bus address limit
)

// Descriptor status bits.
const (
	descComplete = 1 << 15 // Transfer finished
	descIntrReq  = 1 << 14 // Request an interrupt on completion
	descError    = 1 << 13
)

// Tick source rollover. The tick counter resets after this many ticks
// (the BIOS day count at 18.2 Hz), so elapsed-time arithmetic must
// correct for one wrap.
const tickRollover = 0x1800B0
