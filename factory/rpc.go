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
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sbn/discovery"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	rpcjson "github.com/gorilla/rpc/json"
)

// JSON-RPC interface for operators to monitor a running node.

// StatusArgs is the (empty) request of the status query.
type StatusArgs struct{}

// StatusReply is the operator-visible state of a node.
type StatusReply struct {
	Name      string          `json:"name"`
	Addr      string          `json:"addr"`
	Peers     []string        `json:"peers"`
	Instances int             `json:"instances"`
	Hierarchy *discovery.Info `json:"hierarchy,omitempty"`
}

// StatusService answers JSON-RPC status queries for a factory.
type StatusService struct {
	f *Factory
}

// Status fills the reply with a snapshot of the node state.
func (s *StatusService) Status(r *http.Request, args *StatusArgs, reply *StatusReply) error {
	reply.Name = s.f.name
	reply.Addr = s.f.Addr().String()
	for _, ep := range s.f.Peers() {
		reply.Peers = append(reply.Peers, ep.String())
	}
	reply.Instances = s.f.Instances().Size()
	if s.f.hier != nil {
		reply.Hierarchy = s.f.hier.Snapshot()
	}
	return nil
}

// RunRPC starts the status server on the given endpoint. It serves
// JSON-RPC on /rpc and a plain snapshot on /status; it terminates
// with the context.
func RunRPC(ctx context.Context, f *Factory, endpoint string) error {
	router := mux.NewRouter()

	// JSON-RPC service
	srvc := rpc.NewServer()
	srvc.RegisterCodec(rpcjson.NewCodec(), "application/json")
	if err := srvc.RegisterService(&StatusService{f: f}, "Factory"); err != nil {
		return err
	}
	router.Handle("/rpc", srvc)

	// plain status snapshot
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		reply := new(StatusReply)
		if err := (&StatusService{f: f}).Status(r, nil, reply); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	})

	srv := &http.Server{
		Handler:      router,
		Addr:         endpoint,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go func() {
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf(logger.WARN, "[rpc] server listen failed: %s", err.Error())
			}
		}()
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Printf(logger.WARN, "[rpc] server shutdown failed: %s", err.Error())
		}
	}()
	return nil
}
