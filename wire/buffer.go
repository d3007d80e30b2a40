// This file is part of sbn, a distributed actor runtime in Go.
// Copyright (C) 2024-2026 the sbn authors
//
// sbn is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// sbn is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Framing error codes
var (
	ErrBufNested      = errors.New("nested packets not allowed")
	ErrBufNoPacket    = errors.New("no open packet")
	ErrBufShortRead   = errors.New("read beyond packet boundary")
	ErrBufOversize    = errors.New("oversize frame")
	ErrBufMalformed   = errors.New("malformed frame")
	ErrBufUnsafeShift = errors.New("compact inside open packet")
)

// Packet layout constants. The length field counts the whole packet,
// including itself and the type id.
const (
	lenSize    = 4
	typeSize   = 2
	HeaderSize = lenSize + typeSize

	// MaxPacketSize bounds a single frame. Inbound frames claiming
	// more are treated as a protocol violation.
	MaxPacketSize = 64 * 1024 * 1024
)

// Buffer is a length-prefixed packet buffer on top of a byte stream.
// One instance serves one direction of a connection: either it is
// filled from a byte source and drained packet-wise by a decoder, or
// it is filled packet-wise by an encoder and flushed to a byte sink.
// Incomplete inbound packets are held until the missing bytes arrive.
type Buffer struct {
	buf  []byte
	rpos int // next byte to read / flush
	wpos int // next byte to write / fill
	pkt  int // offset of open outbound packet length field (-1 if none)
	rend int // end of inbound packet under decode (-1 if none)
}

// NewBuffer creates an empty packet buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		buf:  make([]byte, 0, 4096),
		pkt:  -1,
		rend: -1,
	}
}

//----------------------------------------------------------------------
// Outbound: packet assembly
//----------------------------------------------------------------------

// BeginPacket starts a new outbound packet of the given type. The
// length field is written as a placeholder and back-patched by
// EndPacket. Packets do not nest.
func (b *Buffer) BeginPacket(typeID uint16) error {
	if b.pkt >= 0 {
		return ErrBufNested
	}
	b.pkt = b.wpos
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[lenSize:], typeID)
	b.append(hdr[:])
	return nil
}

// EndPacket back-patches the length of the open packet.
func (b *Buffer) EndPacket() error {
	if b.pkt < 0 {
		return ErrBufNoPacket
	}
	binary.BigEndian.PutUint32(b.buf[b.pkt:], uint32(b.wpos-b.pkt))
	b.pkt = -1
	return nil
}

// DropPacket discards an open packet (encode failure path).
func (b *Buffer) DropPacket() {
	if b.pkt >= 0 {
		b.wpos = b.pkt
		b.buf = b.buf[:b.wpos]
		b.pkt = -1
	}
}

// append raw bytes at the write position.
func (b *Buffer) append(p []byte) {
	b.buf = append(b.buf[:b.wpos], p...)
	b.wpos += len(p)
}

//----------------------------------------------------------------------
// Inbound: packet extraction
//----------------------------------------------------------------------

// NextPacket checks for a complete packet at the read position. On
// success it enters the packet and returns its type id; field reads
// are then bounded by the packet end until FinishPacket is called.
// ok is false if no complete packet has accumulated yet.
func (b *Buffer) NextPacket() (typeID uint16, ok bool, err error) {
	if b.rend >= 0 {
		return 0, false, ErrBufNested
	}
	if b.wpos-b.rpos < HeaderSize {
		return
	}
	total := int(binary.BigEndian.Uint32(b.buf[b.rpos:]))
	if total < HeaderSize {
		return 0, false, ErrBufMalformed
	}
	if total > MaxPacketSize {
		return 0, false, ErrBufOversize
	}
	if b.wpos-b.rpos < total {
		// partial packet held for the next fill
		return
	}
	typeID = binary.BigEndian.Uint16(b.buf[b.rpos+lenSize:])
	b.rend = b.rpos + total
	b.rpos += HeaderSize
	ok = true
	return
}

// FinishPacket leaves the current inbound packet, skipping any bytes
// the decoder did not consume.
func (b *Buffer) FinishPacket() error {
	if b.rend < 0 {
		return ErrBufNoPacket
	}
	b.rpos = b.rend
	b.rend = -1
	return nil
}

// Remaining returns the number of unread bytes of the packet under
// decode.
func (b *Buffer) Remaining() int {
	if b.rend < 0 {
		return 0
	}
	return b.rend - b.rpos
}

// take returns n bytes at the read position, bounded by the packet
// under decode.
func (b *Buffer) take(n int) ([]byte, error) {
	if b.rend < 0 {
		return nil, ErrBufNoPacket
	}
	if b.rpos+n > b.rend {
		return nil, ErrBufShortRead
	}
	p := b.buf[b.rpos : b.rpos+n]
	b.rpos += n
	return p, nil
}

//----------------------------------------------------------------------
// Stream plumbing
//----------------------------------------------------------------------

// Fill appends bytes from the source to the buffer. A single read of
// up to 64k is performed; the caller loops while data is available.
func (b *Buffer) Fill(r io.Reader) (n int, err error) {
	var chunk [65536]byte
	n, err = r.Read(chunk[:])
	if n > 0 {
		b.append(chunk[:n])
	}
	return
}

// Flush writes completed packet bytes to the sink. Bytes of an open
// outbound packet are withheld until EndPacket.
func (b *Buffer) Flush(w io.Writer) (n int, err error) {
	end := b.wpos
	if b.pkt >= 0 {
		end = b.pkt
	}
	for b.rpos < end {
		var k int
		if k, err = w.Write(b.buf[b.rpos:end]); k > 0 {
			b.rpos += k
			n += k
		}
		if err != nil {
			return
		}
	}
	return
}

// Dirty returns true if flushable bytes are pending.
func (b *Buffer) Dirty() bool {
	end := b.wpos
	if b.pkt >= 0 {
		end = b.pkt
	}
	return b.rpos < end
}

// IsSafeToCompact returns true if space behind the read position can
// be reclaimed without moving a packet under decode.
func (b *Buffer) IsSafeToCompact() bool {
	return b.rpos > 0 && b.rend < 0
}

// Compact reclaims the space behind the read position.
func (b *Buffer) Compact() error {
	if b.rend >= 0 {
		return ErrBufUnsafeShift
	}
	if b.rpos == 0 {
		return nil
	}
	copy(b.buf, b.buf[b.rpos:b.wpos])
	b.wpos -= b.rpos
	if b.pkt >= 0 {
		b.pkt -= b.rpos
	}
	b.rpos = 0
	b.buf = b.buf[:b.wpos]
	return nil
}

// Size returns the number of buffered bytes.
func (b *Buffer) Size() int {
	return b.wpos - b.rpos
}

// Reset drops all buffered bytes and packet state.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.rpos = 0
	b.wpos = 0
	b.pkt = -1
	b.rend = -1
}
