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

package pipeline

import (
	"time"

	"sbn/kernel"
	"sbn/util"
)

// Router directs a kernel from any pipeline to the pipeline that will
// execute it next, based on direction flags and destination address.
// Unset pipelines fall back to the CPU pipeline, so a node without
// network or child processes still executes everything locally.
type Router struct {
	Local   util.Endpoint // address of the local server socket
	CPU     Pipeline
	Timer   Pipeline
	Socket  Pipeline
	Process Pipeline
}

// Send classifies a kernel.
func (r *Router) Send(k kernel.Kernel) {
	_, appDest := util.AppEndpointID(k.To())
	switch {
	case k.Timed() && time.Until(k.At()) > 0 && !k.Cancelled():
		// future deadline: hold in the timer pipeline
		if r.Timer != nil {
			r.Timer.Send(k)
			return
		}

	case appDest:
		// destined for a child application
		if r.Process != nil {
			r.Process.Send(k)
			return
		}

	case k.Flags().Has(kernel.MovesEverywhere):
		if r.Socket != nil {
			r.Socket.Send(k)
			return
		}

	case k.To().IsSet():
		if k.To() == r.Local {
			break // local destination: CPU
		}
		if r.Socket != nil {
			r.Socket.Send(k)
			return
		}

	case k.Flags().Has(kernel.MovesUpstream):
		// no explicit destination: the socket pipeline picks a peer
		// by weighted round-robin (or short-circuits to localhost)
		if r.Socket != nil {
			r.Socket.Send(k)
			return
		}
	}
	r.CPU.Send(k)
}
