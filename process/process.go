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
	"os/exec"
	"strconv"
	"sync"

	"sbn/kernel"
	"sbn/pipeline"
	"sbn/util"
	"sbn/wire"

	"github.com/bfix/gospel/logger"
)

// Process pipeline error codes
var (
	ErrProcExists  = errors.New("application already registered")
	ErrProcUnknown = errors.New("no such application")
)

// Application describes a child program run by the process pipeline.
type Application struct {
	ID   uint64   // application identifier (non-zero)
	Path string   // executable
	Args []string // command-line arguments
}

// child is the parent-side handle of a running application: the
// process plus the two shared-memory kernel channels.
type child struct {
	app  Application
	cmd  *exec.Cmd
	out  *Ring // parent -> child
	in   *Ring // child -> parent
	wbuf *wire.Buffer
	wmtx sync.Mutex
}

// Pipeline spawns child applications and exchanges kernels with them
// over shared-memory channels identified by parent/child PIDs. The
// framing on the rings is the same length-prefixed packet format used
// on sockets.
type Pipeline struct {
	name   string
	native pipeline.Pipeline // CPU pipeline (failure path)
	rt     kernel.Runtime    // router for inbound kernels

	mtx  sync.Mutex
	apps map[uint64]*child
	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPipeline creates the process pipeline. Kernels arriving from
// children are re-classified by the runtime, so child work can travel
// on to remote peers.
func NewPipeline(name string, native pipeline.Pipeline) *Pipeline {
	return &Pipeline{
		name:   name,
		native: native,
		apps:   make(map[uint64]*child),
		quit:   make(chan struct{}),
	}
}

// SetRuntime wires the router used for kernels arriving from
// children (the factory, once assembled).
func (p *Pipeline) SetRuntime(rt kernel.Runtime) {
	p.rt = rt
}

// Start is a no-op; children are spawned by Add.
func (p *Pipeline) Start() {
	logger.Printf(logger.INFO, "[%s] starting", p.name)
}

// Add spawns a child application and opens its kernel channels. The
// child learns its application id from the APP_ID environment
// variable and derives the channel keys from the two process ids.
func (p *Pipeline) Add(app Application) (err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.apps[app.ID]; ok {
		return ErrProcExists
	}
	cmd := exec.Command(app.Path, app.Args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("APP_ID=%d", app.ID))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err = cmd.Start(); err != nil {
		return
	}
	pid := cmd.Process.Pid
	c := &child{
		app:  app,
		cmd:  cmd,
		wbuf: wire.NewBuffer(),
	}
	if c.out, err = CreateRing(ChannelKey(pid, os.Getpid(), 0), DefaultRingSize); err != nil {
		cmd.Process.Kill()
		return
	}
	if c.in, err = CreateRing(ChannelKey(pid, os.Getpid(), 1), DefaultRingSize); err != nil {
		c.out.Close()
		cmd.Process.Kill()
		return
	}
	p.apps[app.ID] = c
	logger.Printf(logger.INFO, "[%s] app %d started (pid %d)", p.name, app.ID, pid)
	p.wg.Add(2)
	go p.readLoop(c)
	go p.waitFor(c)
	return
}

// Send routes a kernel to the child application addressed by its
// destination endpoint.
func (p *Pipeline) Send(k kernel.Kernel) {
	id, ok := util.AppEndpointID(k.To())
	if !ok {
		// a kernel without explicit app destination returns to the
		// app it came from
		id, ok = util.AppEndpointID(k.From())
	}
	p.mtx.Lock()
	c, found := p.apps[id]
	p.mtx.Unlock()
	if !ok || !found {
		logger.Printf(logger.WARN, "[%s] %s for %v", p.name, ErrProcUnknown, k)
		kernel.ReturnToParent(k, kernel.EndpointNotConnected)
		p.native.Send(k)
		return
	}
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	if err := kernel.Encode(c.wbuf, k); err != nil {
		logger.Printf(logger.ERROR, "[%s] encode %v: %s", p.name, k, err.Error())
		return
	}
	if _, err := c.wbuf.Flush(c.out); err != nil {
		logger.Printf(logger.WARN, "[%s] app %d write: %s", p.name, c.app.ID, err.Error())
	}
	if c.wbuf.IsSafeToCompact() {
		c.wbuf.Compact()
	}
}

// readLoop decodes kernels arriving from a child. They are tagged
// with the application's pseudo endpoint so their results travel
// back through this pipeline, and re-classified by the router.
func (p *Pipeline) readLoop(c *child) {
	defer p.wg.Done()
	buf := wire.NewBuffer()
	from := util.AppEndpoint(c.app.ID)
	for {
		if _, err := buf.Fill(c.in); err != nil {
			return
		}
		for {
			k, ok, err := kernel.Decode(buf)
			if err != nil {
				logger.Printf(logger.ERROR, "[%s] app %d decode: %s", p.name, c.app.ID, err.Error())
				return
			}
			if !ok {
				break
			}
			k.SetFrom(from)
			k.SetFlags(kernel.PrependApplication | kernel.IsForeign)
			if p.rt != nil {
				p.rt.Send(k)
			} else {
				p.native.Send(k)
			}
		}
		if buf.IsSafeToCompact() {
			buf.Compact()
		}
	}
}

// waitFor reaps the child process.
func (p *Pipeline) waitFor(c *child) {
	defer p.wg.Done()
	err := c.cmd.Wait()
	status := 0
	if err != nil {
		status = 1
	}
	logger.Printf(logger.INFO, "[%s] app %d finished (status %d)", p.name, c.app.ID, status)
	c.out.Close()
	c.in.Close()
	p.mtx.Lock()
	delete(p.apps, c.app.ID)
	p.mtx.Unlock()
}

// Stop terminates all child applications.
func (p *Pipeline) Stop() {
	close(p.quit)
	p.mtx.Lock()
	for _, c := range p.apps {
		c.cmd.Process.Signal(os.Interrupt)
		c.out.Close()
		c.in.Close()
	}
	p.mtx.Unlock()
	p.wg.Wait()
	logger.Printf(logger.INFO, "[%s] stopped", p.name)
}

//----------------------------------------------------------------------
// Child side
//----------------------------------------------------------------------

// Child is the application side of the kernel channels: it reads
// kernels the parent forwards and sends results (and new kernels)
// back.
type Child struct {
	id   uint64
	in   *Ring // parent -> child
	out  *Ring // child -> parent
	wbuf *wire.Buffer
	wmtx sync.Mutex
}

// AppID reads the application id of the current process (0 if the
// process is not a child application).
func AppID() uint64 {
	id, err := strconv.ParseUint(os.Getenv("APP_ID"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// OpenChild attaches to the channels the parent created for this
// process.
func OpenChild(id uint64) (c *Child, err error) {
	c = &Child{
		id:   id,
		wbuf: wire.NewBuffer(),
	}
	if c.in, err = OpenRing(ChannelKey(os.Getpid(), os.Getppid(), 0)); err != nil {
		return nil, err
	}
	if c.out, err = OpenRing(ChannelKey(os.Getpid(), os.Getppid(), 1)); err != nil {
		c.in.Close()
		return nil, err
	}
	return
}

// Run decodes kernels from the parent and feeds them to the given
// pipeline until the channel closes.
func (c *Child) Run(native pipeline.Pipeline) {
	buf := wire.NewBuffer()
	for {
		if _, err := buf.Fill(c.in); err != nil {
			return
		}
		for {
			k, ok, err := kernel.Decode(buf)
			if err != nil {
				logger.Printf(logger.ERROR, "[app] decode: %s", err.Error())
				return
			}
			if !ok {
				break
			}
			k.SetFlags(kernel.IsForeign)
			native.Send(k)
		}
		if buf.IsSafeToCompact() {
			buf.Compact()
		}
	}
}

// Send transmits a kernel to the parent process.
func (c *Child) Send(k kernel.Kernel) (err error) {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	if err = kernel.Encode(c.wbuf, k); err != nil {
		return
	}
	_, err = c.wbuf.Flush(c.out)
	if c.wbuf.IsSafeToCompact() {
		c.wbuf.Compact()
	}
	return
}

// Close detaches from the channels.
func (c *Child) Close() {
	c.in.Close()
	c.out.Close()
}
