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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared-memory error codes
var (
	ErrShmClosed   = errors.New("shared memory ring closed")
	ErrShmTooSmall = errors.New("shared memory segment too small")
)

// Ring layout: a 32-byte header followed by the byte ring. The header
// holds a spin-mutex word and the read/write offsets, shared between
// the parent and the child process.
const (
	offLock  = 0
	offWrite = 8
	offRead  = 16
	offCap   = 24
	hdrSize  = 32

	// DefaultRingSize is the payload capacity of a channel.
	DefaultRingSize = 1 << 20
)

// Ring is one direction of a parent/child kernel channel: a byte ring
// in a memory-mapped file whose name encodes a PID-derived key.
// Read and write positions live in the mapped header and are guarded
// by a spin mutex, so both processes see a consistent ring.
type Ring struct {
	f      *os.File
	mem    []byte
	owner  bool
	closed int32
}

// ringPath returns the backing file for a channel key.
func ringPath(key uint64) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("sbn-shm-%016x", key))
}

// ChannelKey derives the 64-bit key of one channel direction from the
// two process ids.
func ChannelKey(childPID, parentPID int, dir int) uint64 {
	return uint64(childPID)*65536*2 + uint64(parentPID)*2 + uint64(dir)
}

// CreateRing allocates and maps a fresh ring (parent side).
func CreateRing(key uint64, capacity int) (r *Ring, err error) {
	path := ringPath(key)
	var f *os.File
	if f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600); err != nil {
		return
	}
	size := hdrSize + capacity
	if err = f.Truncate(int64(size)); err != nil {
		f.Close()
		return
	}
	var mem []byte
	if mem, err = unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		f.Close()
		return
	}
	r = &Ring{f: f, mem: mem, owner: true}
	*r.word(offCap) = uint64(capacity)
	return
}

// OpenRing maps an existing ring (child side). The child retries
// while the parent is still setting the segment up.
func OpenRing(key uint64) (r *Ring, err error) {
	path := ringPath(key)
	var f *os.File
	for i := 0; i < 100; i++ {
		if f, err = os.OpenFile(path, os.O_RDWR, 0600); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		return
	}
	var fi os.FileInfo
	if fi, err = f.Stat(); err != nil {
		f.Close()
		return
	}
	if fi.Size() < hdrSize {
		f.Close()
		return nil, ErrShmTooSmall
	}
	var mem []byte
	if mem, err = unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		f.Close()
		return
	}
	return &Ring{f: f, mem: mem}, nil
}

// word gives atomic access to a header field.
func (r *Ring) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// lock takes the spin mutex in the segment header.
func (r *Ring) lock() {
	for !atomic.CompareAndSwapUint64(r.word(offLock), 0, 1) {
		runtime.Gosched()
	}
}

// unlock releases the spin mutex.
func (r *Ring) unlock() {
	atomic.StoreUint64(r.word(offLock), 0)
}

// capacity returns the ring payload size.
func (r *Ring) capacity() uint64 {
	return *r.word(offCap)
}

// Write copies bytes into the ring, spinning while the ring is full.
// It satisfies io.Writer so the packet buffer can flush into it.
func (r *Ring) Write(p []byte) (n int, err error) {
	capa := r.capacity()
	data := r.mem[hdrSize:]
	for n < len(p) {
		if atomic.LoadInt32(&r.closed) != 0 {
			return n, ErrShmClosed
		}
		r.lock()
		w := atomic.LoadUint64(r.word(offWrite))
		rd := atomic.LoadUint64(r.word(offRead))
		free := capa - (w - rd) - 1
		if free == 0 {
			r.unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		chunk := uint64(len(p) - n)
		if chunk > free {
			chunk = free
		}
		for i := uint64(0); i < chunk; i++ {
			data[(w+i)%capa] = p[n+int(i)]
		}
		atomic.StoreUint64(r.word(offWrite), w+chunk)
		r.unlock()
		n += int(chunk)
	}
	return
}

// Read copies available bytes out of the ring, blocking while it is
// empty. It satisfies io.Reader so the packet buffer can fill from it.
func (r *Ring) Read(p []byte) (n int, err error) {
	capa := r.capacity()
	data := r.mem[hdrSize:]
	for {
		if atomic.LoadInt32(&r.closed) != 0 {
			return 0, ErrShmClosed
		}
		r.lock()
		w := atomic.LoadUint64(r.word(offWrite))
		rd := atomic.LoadUint64(r.word(offRead))
		avail := w - rd
		if avail == 0 {
			r.unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		chunk := uint64(len(p))
		if chunk > avail {
			chunk = avail
		}
		for i := uint64(0); i < chunk; i++ {
			p[int(i)] = data[(rd+i)%capa]
		}
		atomic.StoreUint64(r.word(offRead), rd+chunk)
		r.unlock()
		return int(chunk), nil
	}
}

// Close unmaps the ring; the creating side removes the backing file.
func (r *Ring) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	unix.Munmap(r.mem)
	name := r.f.Name()
	r.f.Close()
	if r.owner {
		os.Remove(name)
	}
	return nil
}
