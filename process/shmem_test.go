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

package process

import (
	"bytes"
	"os"
	"testing"
	"time"

	"sbn/kernel"
	"sbn/wire"
)

func TestRingRoundTrip(t *testing.T) {
	key := ChannelKey(os.Getpid(), os.Getppid(), 0)
	w, err := CreateRing(key, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenRing(key)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	msg := []byte("kernel bytes over shared memory")
	if _, err = w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	n := 0
	for n < len(msg) {
		k, err := r.Read(buf[n:])
		if err != nil {
			t.Fatal(err)
		}
		n += k
	}
	if !bytes.Equal(buf, msg) {
		t.Fatal("payload mismatch")
	}
}

// A writer filling the ring beyond capacity blocks until the reader
// drains it.
func TestRingWrap(t *testing.T) {
	key := ChannelKey(os.Getpid(), os.Getppid(), 1)
	w, err := CreateRing(key, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenRing(key)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	done := make(chan struct{})
	go func() {
		w.Write(payload)
		close(done)
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64)
	for len(got) < len(payload) {
		n, err := r.Read(buf)
		if err != nil {
			t.Error(err)
			return
		}
		got = append(got, buf[:n]...)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked")
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after wrap")
	}
}

//----------------------------------------------------------------------

const typePing = kernel.TypeID(130)

type pingKernel struct {
	kernel.Base

	Tag uint64
}

func newPing(tag uint64) *pingKernel {
	k := &pingKernel{Tag: tag}
	k.Init(k, typePing)
	return k
}

func (k *pingKernel) Write(b *wire.Buffer) {
	b.PutU64(k.Tag)
}

func (k *pingKernel) Read(b *wire.Buffer) (err error) {
	k.Tag, err = b.GetU64()
	return
}

func init() {
	kernel.MustRegister(typePing, "pingKernel", func() kernel.Kernel {
		return newPing(0)
	})
}

// Kernel framing over the shared-memory ring is byte-identical to the
// socket framing.
func TestKernelOverRing(t *testing.T) {
	key := ChannelKey(os.Getpid()+1, os.Getpid(), 0)
	w, err := CreateRing(key, DefaultRingSize)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	r, err := OpenRing(key)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	wbuf := wire.NewBuffer()
	for i := uint64(1); i <= 5; i++ {
		if err = kernel.Encode(wbuf, newPing(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err = wbuf.Flush(w); err != nil {
		t.Fatal(err)
	}

	rbuf := wire.NewBuffer()
	var got []uint64
	for len(got) < 5 {
		if _, err = rbuf.Fill(r); err != nil {
			t.Fatal(err)
		}
		for {
			k, ok, err := kernel.Decode(rbuf)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			got = append(got, k.(*pingKernel).Tag)
		}
	}
	for i, tag := range got {
		if tag != uint64(i+1) {
			t.Fatalf("kernel %d out of order (tag %d)", i, tag)
		}
	}
}
