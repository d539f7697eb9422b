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

// rxPool is a fixed pool of receive buffers for one device. A buffer
// is either free (owned by the driver) or posted (owned by the
// hardware, armed to receive). Posting happens in batches: once the
// posted count drops below the low watermark, everything free is
// posted with a single doorbell instead of one register write per
// buffer.
type rxPool struct {
	size      int
	watermark int
	free      [][]byte
	posted    [][]byte
}

func newRxPool(count, watermark, bufSize int) *rxPool {
	p := &rxPool{size: count, watermark: watermark}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, bufSize))
	}
	return p
}

// post hands every free buffer to the hardware, returning how many
// were posted.
func (p *rxPool) post() int {
	n := len(p.free)
	p.posted = append(p.posted, p.free...)
	p.free = p.free[:0]
	return n
}

// claim takes the oldest posted buffer, which the hardware has filled.
// nil means an overrun: a frame arrived with nothing armed.
func (p *rxPool) claim() []byte {
	if len(p.posted) == 0 {
		return nil
	}
	b := p.posted[0]
	p.posted = p.posted[1:]
	return b
}

// release returns a consumed buffer to the free list.
func (p *rxPool) release(b []byte) {
	p.free = append(p.free, b)
}

// needRefill reports whether the armed count has fallen below the low
// watermark with buffers available to post.
func (p *rxPool) needRefill() bool {
	return len(p.posted) < p.watermark && len(p.free) > 0
}

// available returns the number of buffers armed for receive.
func (p *rxPool) available() int {
	return len(p.posted)
}
