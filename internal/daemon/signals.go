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

package daemon

import (
	"os"
	"syscall"

	"golang.org/x/term"
)

// signalAction is what the daemon does on a signal.
type signalAction int

const (
	actionIgnore signalAction = iota
	actionReload
	actionStop
)

func (a signalAction) String() string {
	switch a {
	case actionReload:
		return "reload"
	case actionStop:
		return "stop"
	default:
		return "ignore"
	}
}

// signalPolicy maps signals to actions. SIGHUP means "reload" to a
// detached daemon and "the terminal went away" to one attached to a
// terminal.
func signalPolicy(sig os.Signal, attached bool) signalAction {
	switch sig {
	case syscall.SIGUSR1:
		return actionReload
	case syscall.SIGHUP:
		if attached {
			return actionStop
		}
		return actionReload
	case syscall.SIGINT, syscall.SIGTERM:
		return actionStop
	default:
		return actionIgnore
	}
}

// handledSignals are registered with the reactor.
var handledSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM}

// attachedToTerminal reports whether stdin is a terminal.
func attachedToTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
