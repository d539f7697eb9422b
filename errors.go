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

import "errors"

var (
	// ErrNoTimeoutSlot is returned by TimeoutRegistry.Begin when all
	// tracker slots are occupied. The caller must not start the
	// hardware operation without timeout protection.
	ErrNoTimeoutSlot = errors.New("no timeout tracker slot available")

	// ErrTimeout is reported when a hardware wait expires. It is
	// recoverable through RetryWithBackoff until the retry budget is
	// exhausted.
	ErrTimeout = errors.New("hardware operation timed out")

	// ErrOperationFailed is terminal: the retry budget was exhausted or
	// the adapter reported an unrecoverable fault. The owning device is
	// marked failed and excluded from further scheduling.
	ErrOperationFailed = errors.New("hardware operation failed")

	// ErrDmaBoundary indicates a transfer that would cross a 64 KiB
	// DMA window; the transfer must be split, never truncated.
	ErrDmaBoundary = errors.New("transfer crosses 64KiB DMA boundary")

	// ErrDmaLimit indicates a physical address beyond the 24-bit bus
	// ceiling; the transfer must be remapped or fall back to PIO.
	ErrDmaLimit = errors.New("physical address beyond 16MiB bus limit")

	// ErrMapping is returned when the physical-mapping service cannot
	// lock a buffer. Callers fall back to the PIO path.
	ErrMapping = errors.New("physical mapping failed")

	// ErrDeviceFailed is returned for requests against a device that
	// has been marked failed.
	ErrDeviceFailed = errors.New("device marked failed")
)
