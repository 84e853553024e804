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

package scheduler

// timerItem is what a store timer carries. The set of kinds is closed:
// entryTimer and watchdogTimer.
type timerItem interface {
	timerItem()
}

// entryTimer starts a firing of an entry.
type entryTimer struct {
	id EntryID
}

// watchdogTimer enforces a worker's deadline.
type watchdogTimer struct {
	pid int
}

func (entryTimer) timerItem()    {}
func (watchdogTimer) timerItem() {}
