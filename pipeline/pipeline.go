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
	"sbn/kernel"
)

// Pipeline is a named queue of kernels served by one or more workers.
// Send enqueues a kernel for execution; Stop terminates the workers.
// Whether queued kernels still run depends on the pipeline: the CPU
// pipeline drains its queue, the timer pipeline discards kernels still
// waiting for their deadline.
type Pipeline interface {
	Start()
	Stop()
	Send(k kernel.Kernel)
}
