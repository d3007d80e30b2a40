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

package main

import (
	"context"
	"flag"
	"os"

	"sbn/config"
	"sbn/factory"
	"sbn/kernel"
	"sbn/pipeline"
	"sbn/process"

	"github.com/bfix/gospel/logger"
)

func main() {
	rc := run()
	logger.Println(logger.INFO, "[sbnd] Bye.")
	logger.Flush()
	os.Exit(rc)
}

func run() int {
	// intro
	logger.SetLogLevel(logger.INFO)
	logger.Println(logger.INFO, "[sbnd] Starting node...")

	var (
		cfgFile  string
		logLevel int
		rpcEndp  string
		err      error
	)
	// handle command line arguments
	flag.StringVar(&cfgFile, "c", "sbn-config.json", "node configuration file")
	flag.IntVar(&logLevel, "L", logger.INFO, "log level (default: INFO)")
	flag.StringVar(&rpcEndp, "R", "", "status endpoint (default: none)")
	flag.Parse()

	// a process started with APP_ID acts as a child application
	if id := process.AppID(); id != 0 {
		return runChild(id)
	}

	// read configuration file and set missing arguments.
	if err = config.ParseConfig(cfgFile); err != nil {
		logger.Printf(logger.ERROR, "[sbnd] invalid configuration file: %s", err.Error())
		return 1
	}
	if config.Cfg.Logging.Level > 0 {
		logLevel = config.Cfg.Logging.Level
	}
	logger.SetLogLevel(logLevel)
	if len(rpcEndp) > 0 {
		config.Cfg.RPC.Endpoint = rpcEndp
	}

	// assemble and start the factory
	var f *factory.Factory
	if f, err = factory.New(config.Cfg); err != nil {
		logger.Printf(logger.ERROR, "[sbnd] setup failed: %s", err.Error())
		return 1
	}
	if err = f.Start(); err != nil {
		logger.Printf(logger.ERROR, "[sbnd] start failed: %s", err.Error())
		return 1
	}
	f.HandleSignals()

	// start the status server on request
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if ep := config.Cfg.RPC.Endpoint; len(ep) > 0 {
		if err = factory.RunRPC(ctx, f, ep); err != nil {
			logger.Printf(logger.ERROR, "[sbnd] RPC failed to start: %s", err.Error())
			return 1
		}
	}

	// run until a root kernel commits or a signal arrives
	return f.Wait()
}

//----------------------------------------------------------------------
// Child application mode
//----------------------------------------------------------------------

// childRuntime feeds results back to the parent process; everything
// else runs on the local worker pool.
type childRuntime struct {
	ch  *process.Child
	cpu *pipeline.CPU
}

func (rt *childRuntime) Send(k kernel.Kernel) {
	// results for the parent and outbound work leave the process;
	// everything else runs locally
	leaves := (k.Flags().Has(kernel.MovesDownstream) && k.Flags().Has(kernel.IsForeign)) ||
		k.Flags().Has(kernel.MovesUpstream) ||
		k.Flags().Has(kernel.MovesEverywhere) ||
		k.To().IsSet()
	if leaves {
		if err := rt.ch.Send(k); err != nil {
			logger.Printf(logger.ERROR, "[app] send: %s", err.Error())
		}
		return
	}
	rt.cpu.Send(k)
}

func (rt *childRuntime) Shutdown() {}

// runChild executes kernels the parent forwards over the
// shared-memory channels.
func runChild(id uint64) int {
	logger.Printf(logger.INFO, "[app] child application %d (pid %d)", id, os.Getpid())
	ch, err := process.OpenChild(id)
	if err != nil {
		logger.Printf(logger.ERROR, "[app] channels: %s", err.Error())
		return 1
	}
	defer ch.Close()
	rt := new(childRuntime)
	rt.ch = ch
	rt.cpu = pipeline.NewCPU("cpu", 0, rt, nil)
	rt.cpu.Start()
	ch.Run(rt.cpu)
	rt.cpu.Stop()
	return 0
}
