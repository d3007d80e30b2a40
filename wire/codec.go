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
	"math"

	"sbn/util"
)

//----------------------------------------------------------------------
// Field encoders. All integers travel big-endian; strings and blobs
// carry a 32-bit length prefix. Floating-point values use the IEEE-754
// bit layout (the only representation Go supports).
//----------------------------------------------------------------------

// PutU8 appends an unsigned byte to the open packet.
func (b *Buffer) PutU8(v uint8) {
	b.append([]byte{v})
}

// PutU16 appends a 16-bit integer.
func (b *Buffer) PutU16(v uint16) {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], v)
	b.append(p[:])
}

// PutU32 appends a 32-bit integer.
func (b *Buffer) PutU32(v uint32) {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], v)
	b.append(p[:])
}

// PutU64 appends a 64-bit integer.
func (b *Buffer) PutU64(v uint64) {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], v)
	b.append(p[:])
}

// PutBool appends a boolean as a single byte.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutU8(1)
	} else {
		b.PutU8(0)
	}
}

// PutF64 appends a 64-bit float in IEEE-754 binary64 layout.
func (b *Buffer) PutF64(v float64) {
	b.PutU64(math.Float64bits(v))
}

// PutString appends a length-prefixed string.
func (b *Buffer) PutString(s string) {
	b.PutU32(uint32(len(s)))
	b.append([]byte(s))
}

// PutBlob appends a length-prefixed byte sequence.
func (b *Buffer) PutBlob(p []byte) {
	b.PutU32(uint32(len(p)))
	b.append(p)
}

// PutBytes appends raw bytes without a length prefix.
func (b *Buffer) PutBytes(p []byte) {
	b.append(p)
}

//----------------------------------------------------------------------
// Field decoders, bounded by the packet under decode.
//----------------------------------------------------------------------

// GetU8 reads an unsigned byte.
func (b *Buffer) GetU8() (uint8, error) {
	p, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// GetU16 reads a 16-bit integer.
func (b *Buffer) GetU16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// GetU32 reads a 32-bit integer.
func (b *Buffer) GetU32() (uint32, error) {
	p, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// GetU64 reads a 64-bit integer.
func (b *Buffer) GetU64() (uint64, error) {
	p, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// GetBool reads a boolean.
func (b *Buffer) GetBool() (bool, error) {
	v, err := b.GetU8()
	return v == 1, err
}

// GetF64 reads a 64-bit float.
func (b *Buffer) GetF64() (float64, error) {
	v, err := b.GetU64()
	return math.Float64frombits(v), err
}

// GetString reads a length-prefixed string.
func (b *Buffer) GetString() (string, error) {
	n, err := b.GetU32()
	if err != nil {
		return "", err
	}
	p, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// GetBlob reads a length-prefixed byte sequence into a fresh slice.
func (b *Buffer) GetBlob() ([]byte, error) {
	n, err := b.GetU32()
	if err != nil {
		return nil, err
	}
	p, err := b.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// GetBytes reads n raw bytes into a fresh slice.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	p, err := b.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

//----------------------------------------------------------------------
// Endpoint codec: Family:u8 (Ipv4:4B | Ipv6:16B | UnixPath:Len+bytes)
// Port:u16
//----------------------------------------------------------------------

// PutEndpoint appends an endpoint in wire layout.
func (b *Buffer) PutEndpoint(ep util.Endpoint) {
	b.PutU8(ep.Family)
	switch ep.Family {
	case util.AfIPv4:
		b.append(ep.IP[:4])
	case util.AfIPv6:
		b.append(ep.IP[:])
	case util.AfUnix:
		b.PutString(ep.Path)
	}
	b.PutU16(ep.Port)
}

// GetEndpoint reads an endpoint in wire layout.
func (b *Buffer) GetEndpoint() (ep util.Endpoint, err error) {
	if ep.Family, err = b.GetU8(); err != nil {
		return
	}
	switch ep.Family {
	case util.AfUnset:
	case util.AfIPv4:
		var p []byte
		if p, err = b.take(4); err != nil {
			return
		}
		copy(ep.IP[:4], p)
	case util.AfIPv6:
		var p []byte
		if p, err = b.take(16); err != nil {
			return
		}
		copy(ep.IP[:], p)
	case util.AfUnix:
		if ep.Path, err = b.GetString(); err != nil {
			return
		}
	default:
		err = ErrBufMalformed
		return
	}
	ep.Port, err = b.GetU16()
	return
}
