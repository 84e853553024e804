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

package worker

import (
	"net/netip"
	"strings"
)

// GlobalArgs are options every worker receives ahead of its own params.
type GlobalArgs struct {
	Interface   string
	SourceV4    string
	SourceV6    string
	Nameservers []string
}

// Args renders the options as flags.
func (g GlobalArgs) Args() []string {
	var args []string
	if g.Interface != "" {
		args = append(args, "-I", g.Interface)
	}
	if g.SourceV4 != "" {
		args = append(args, "-4", g.SourceV4)
	}
	if g.SourceV6 != "" {
		args = append(args, "-6", g.SourceV6)
	}
	if len(g.Nameservers) > 0 {
		args = append(args, "--nameserver", strings.Join(g.Nameservers, ","))
	}
	return args
}

// BuildArgs assembles a worker command line after the binary:
//
//	<global> <params> -- <dest...>
func BuildArgs(global, params []string, dests []netip.Addr) []string {
	args := make([]string, 0, len(global)+len(params)+1+len(dests))
	args = append(args, global...)
	args = append(args, params...)
	args = append(args, "--")
	for _, d := range dests {
		args = append(args, d.String())
	}
	return args
}
