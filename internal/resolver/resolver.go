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

// Package resolver turns schedule target names into addresses.
package resolver

import (
	"context"
	"net/netip"

	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/pkg/errors"
)

// Resolver looks up the addresses of one name. Implementations must be
// safe for concurrent use.
type Resolver interface {
	Lookup(ctx context.Context, name string, family schedule.Family) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string, family schedule.Family) ([]netip.Addr, error)

// Lookup implements Resolver.
func (f ResolverFunc) Lookup(ctx context.Context, name string, family schedule.Family) ([]netip.Addr, error) {
	return f(ctx, name, family)
}

// Chain tries each resolver in turn; the first non-empty answer wins.
type Chain []Resolver

// Lookup implements Resolver.
func (c Chain) Lookup(ctx context.Context, name string, family schedule.Family) ([]netip.Addr, error) {
	var lastErr error
	for _, r := range c {
		addrs, err := r.Lookup(ctx, name, family)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &errors.NotFoundError{Resource: "host", ID: name}
}

// filterFamily keeps only addresses of the requested family, preserving order.
func filterFamily(addrs []netip.Addr, family schedule.Family) []netip.Addr {
	if family == schedule.FamilyAny {
		return addrs
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		is4 := a.Is4() || a.Is4In6()
		if (family == schedule.FamilyIPv4) == is4 {
			out = append(out, a)
		}
	}
	return out
}
