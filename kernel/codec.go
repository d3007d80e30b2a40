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

package kernel

import (
	"errors"

	"sbn/wire"

	"github.com/bfix/gospel/data"
)

// Codec error codes
var (
	ErrCodecNoParent = errors.New("carries_parent without parent")
)

// header is the fixed part of every kernel on the wire, preceding the
// source/destination endpoints and the subclass payload. The result
// field is preserved across round trips.
type header struct {
	ID     uint64 `order:"big"`
	Parent uint64 `order:"big"`
	Flags  uint32 `order:"big"`
	Result uint8  ``
}

// headerSize is the serialised size of the fixed header.
const headerSize = 21

// writeCommon emits header and endpoints of a kernel.
func writeCommon(b *wire.Buffer, k Kernel) error {
	hdr := &header{
		ID:     k.ID(),
		Parent: k.PrincipalID(),
		Flags:  uint32(k.Flags()),
		Result: uint8(k.Result()),
	}
	buf, err := data.Marshal(hdr)
	if err != nil {
		return err
	}
	b.PutBytes(buf)
	b.PutEndpoint(k.From())
	b.PutEndpoint(k.To())
	return nil
}

// readCommon parses header and endpoints into a kernel.
func readCommon(b *wire.Buffer, k Kernel) (err error) {
	var buf []byte
	if buf, err = b.GetBytes(headerSize); err != nil {
		return
	}
	hdr := new(header)
	if err = data.Unmarshal(hdr, buf); err != nil {
		return
	}
	kb := k.base()
	kb.id = hdr.ID
	kb.principalID = hdr.Parent
	kb.flags = Flags(hdr.Flags)
	kb.result = Result(hdr.Result)
	if kb.from, err = b.GetEndpoint(); err != nil {
		return
	}
	kb.to, err = b.GetEndpoint()
	return
}

// Encode serialises a kernel as one packet: type id, header,
// endpoints, optionally the carried parent, then the payload.
func Encode(b *wire.Buffer, k Kernel) (err error) {
	if err = b.BeginPacket(uint16(k.Type())); err != nil {
		return
	}
	defer func() {
		if err != nil {
			b.DropPacket()
		}
	}()
	if err = writeCommon(b, k); err != nil {
		return
	}
	if k.Flags().Has(CarriesParent) {
		p := k.Parent()
		if p == nil {
			return ErrCodecNoParent
		}
		b.PutU16(uint16(p.Type()))
		if err = writeCommon(b, p); err != nil {
			return
		}
		p.Write(b)
	}
	k.Write(b)
	return b.EndPacket()
}

// Decode extracts the next kernel from the buffer. ok is false if no
// complete packet has accumulated. An unknown type id is a protocol
// violation: the packet is consumed and an error returned so the
// transport can close the connection.
func Decode(b *wire.Buffer) (k Kernel, ok bool, err error) {
	var tid uint16
	if tid, ok, err = b.NextPacket(); !ok || err != nil {
		return
	}
	defer func() {
		if ferr := b.FinishPacket(); ferr != nil && err == nil {
			err = ferr
		}
	}()
	t := Lookup(TypeID(tid))
	if t == nil {
		return nil, false, ErrTypeUnknown
	}
	k = t.New()
	if err = readCommon(b, k); err != nil {
		return nil, false, err
	}
	if k.Flags().Has(CarriesParent) {
		if tid, err = b.GetU16(); err != nil {
			return nil, false, err
		}
		pt := Lookup(TypeID(tid))
		if pt == nil {
			return nil, false, ErrTypeUnknown
		}
		p := pt.New()
		if err = readCommon(b, p); err != nil {
			return nil, false, err
		}
		if err = p.Read(b); err != nil {
			return nil, false, err
		}
		p.base().transient = true
		k.SetParent(p)
	}
	if err = k.Read(b); err != nil {
		return nil, false, err
	}
	return k, true, nil
}
