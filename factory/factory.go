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

package factory

import (
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"sbn/config"
	"sbn/discovery"
	"sbn/kernel"
	"sbn/pipeline"
	"sbn/process"
	"sbn/transport"
	"sbn/util"

	"github.com/bfix/gospel/logger"
)

// Factory ties the pipelines together: one CPU, one Timer, one Socket
// and one Process pipeline, the shared registries, and optionally the
// discovery engine. It implements the kernel.Runtime interface, so
// every kernel scheduled through it is classified by the router.
type Factory struct {
	name string
	cfg  *config.Config

	instances *kernel.Instances
	router    *pipeline.Router
	cpu       *pipeline.CPU
	timer     *pipeline.Timer
	socket    *transport.SocketPipeline
	proc      *process.Pipeline

	hier  *discovery.Hierarchy
	disc  *discovery.Discoverer
	cache *discovery.Cache

	done     chan struct{}
	stopOnce sync.Once
	status   int32
}

// New assembles a factory from the configuration. Nothing runs until
// Start is called.
func New(cfg *config.Config) (f *Factory, err error) {
	f = &Factory{
		name:      cfg.Node.Name,
		cfg:       cfg,
		instances: kernel.NewInstances(),
		done:      make(chan struct{}),
	}
	f.cpu = pipeline.NewCPU("cpu", cfg.Node.Workers, f, f.instances)
	f.timer = pipeline.NewTimer("timer", f)
	f.socket = transport.NewSocketPipeline("sock", f.cpu, f.instances, cfg.Node.UseLocalhost)
	f.socket.SetStartID(config.StartID())
	f.proc = process.NewPipeline("proc", f.cpu)
	f.proc.SetRuntime(f)
	f.router = &pipeline.Router{
		CPU:     f.cpu,
		Timer:   f.timer,
		Socket:  f.socket,
		Process: f.proc,
	}
	return
}

// Instances returns the kernel instance registry of the node.
func (f *Factory) Instances() *kernel.Instances {
	return f.instances
}

// Hierarchy returns the node's view of the overlay tree (nil while
// discovery is disabled).
func (f *Factory) Hierarchy() *discovery.Hierarchy {
	return f.hier
}

// Addr returns the local server endpoint.
func (f *Factory) Addr() util.Endpoint {
	return f.socket.ServerAddr()
}

// Peers returns the connected peer endpoints.
func (f *Factory) Peers() []util.Endpoint {
	return f.socket.Clients()
}

// Start launches the pipelines in dependency order (leaves first) and
// boots discovery.
func (f *Factory) Start() (err error) {
	logger.Printf(logger.INFO, "[%s] factory starting", f.name)
	f.cpu.Start()
	f.timer.Start()
	f.proc.Start()
	f.socket.Start()

	// open the server socket on the configured interface; without a
	// configuration the first usable IPv4 interface is picked
	var ifaddr, netmask uint32
	if len(f.cfg.Node.Interface) > 0 {
		if ifaddr, netmask, err = f.cfg.Node.ParseInterface(); err != nil {
			return
		}
	} else if ifaddr, netmask, err = discovery.BindAddress(); err != nil {
		return
	}
	var local util.Endpoint
	if local, err = f.socket.AddServer(ifaddr, netmask, f.cfg.Node.Port); err != nil {
		return
	}
	f.router.Local = local

	// connect static peers (names are resolved via DNS)
	for _, spec := range f.cfg.Discovery.Peers {
		ep, perr := util.ResolveEndpoint(spec, f.cfg.Discovery.Resolver)
		if perr != nil {
			logger.Printf(logger.WARN, "[%s] peer '%s': %s", f.name, spec, perr.Error())
			continue
		}
		if perr = f.socket.Peer(ep); perr != nil {
			logger.Printf(logger.WARN, "[%s] peer %s: %s", f.name, ep, perr.Error())
		}
	}

	// spawn child applications
	for _, app := range f.cfg.Apps {
		if aerr := f.proc.Add(process.Application{
			ID:   app.ID,
			Path: app.Path,
			Args: app.Args,
		}); aerr != nil {
			logger.Printf(logger.ERROR, "[%s] app %d: %s", f.name, app.ID, aerr.Error())
		}
	}

	// boot the discovery engine
	if f.cfg.Discovery.Enabled {
		f.hier = discovery.NewHierarchy(ifaddr, netmask, local)
		f.cache = discovery.OpenCache(f.cfg.Discovery.Cache, local.String())
		if info := f.cache.Load(local.String()); info != nil {
			logger.Printf(logger.INFO, "[%s] cached hierarchy: principal=%s, %d subordinates",
				f.name, info.Principal, len(info.Subordinates))
		}
		wait := time.Duration(f.cfg.Discovery.WaitTime) * time.Second
		f.disc = discovery.NewDiscoverer(f.hier, wait, f.socket)
		f.instances.Insert(f.disc)
		f.Send(f.disc)
	}
	return
}

// Send routes a kernel to the pipeline that executes it next.
func (f *Factory) Send(k kernel.Kernel) {
	f.router.Send(k)
}

// Shutdown requests a clean stop (issued when a root kernel commits).
func (f *Factory) Shutdown() {
	select {
	case <-f.done:
	default:
		go f.Stop()
	}
}

// Wait blocks until the factory has stopped and returns the exit
// status.
func (f *Factory) Wait() int {
	<-f.done
	return int(atomic.LoadInt32(&f.status))
}

// Stop drains and terminates the pipelines. The socket pipeline stops
// first so in-flight kernels are recovered while the CPU pipeline is
// still running.
func (f *Factory) Stop() {
	f.stopOnce.Do(func() {
		logger.Printf(logger.INFO, "[%s] factory stopping", f.name)
		if f.cache != nil && f.hier != nil {
			f.cache.Save(f.hier)
		}
		f.socket.Stop()
		f.proc.Stop()
		f.timer.Stop()
		f.cpu.Stop()
		logger.Printf(logger.INFO, "[%s] factory stopped", f.name)
		close(f.done)
	})
}

// Fatal terminates the factory after an invariant violation: the
// backtrace is logged, the pipelines are stopped and the process
// status is non-zero.
func (f *Factory) Fatal(reason string) {
	var trace [1 << 16]byte
	n := runtime.Stack(trace[:], true)
	logger.Printf(logger.ERROR, "[%s] fatal: %s\n%s", f.name, reason, string(trace[:n]))
	atomic.StoreInt32(&f.status, 1)
	f.Stop()
}

// HandleSignals installs the terminate handler: on SIGTERM or SIGINT
// the goroutine backtrace is logged and the factory stops cleanly;
// SIGHUP is logged and ignored, SIGPIPE is ignored. Each call installs
// another handler; repeated calls are not guarded against.
func (f *Factory) HandleSignals() {
	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGINT, syscall.SIGTERM:
					var trace [1 << 16]byte
					n := runtime.Stack(trace[:], true)
					logger.Printf(logger.INFO, "[%s] terminating (on signal '%s')\n%s",
						f.name, sig, string(trace[:n]))
					f.Stop()
					return
				case syscall.SIGHUP:
					logger.Printf(logger.INFO, "[%s] SIGHUP ignored", f.name)
				}
			case <-f.done:
				return
			}
		}
	}()
}
