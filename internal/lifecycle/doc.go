// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package lifecycle manages the measured daemon process from the outside and
from within: the PID file, detached start-up, signal delivery to a running
daemon and health polling.

The daemon holds its PID file open under an exclusive flock for as long as
it runs:

	pf := lifecycle.NewPIDFile("/run/measured/measured.pid")
	if err := pf.Acquire(os.Getpid()); err != nil {
	    // another daemon is running
	}
	defer pf.Release()

Control commands find the daemon through the same file and check that the
PID still belongs to a measured process before signalling it:

	pid, err := lifecycle.FindDaemon("/run/measured/measured.pid")
	if err == nil {
	    err = lifecycle.SendSignal(pid, syscall.SIGUSR1)
	}
*/
package lifecycle
