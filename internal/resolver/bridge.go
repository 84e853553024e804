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

package resolver

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/pkg/errors"
)

// DefaultBudget bounds how long one firing waits for its names.
const DefaultBudget = 10 * time.Second

// Result is the outcome of resolving a firing's targets.
type Result struct {
	// Addrs are in target order, then resolver order within a target.
	Addrs []netip.Addr
	// Failed lists names that errored or returned nothing usable.
	Failed []string
	// TimedOut is set when the budget expired before every lookup finished.
	TimedOut bool
}

// Bridge resolves every target of a firing concurrently against one
// shared Resolver.
type Bridge struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewBridge creates a Bridge over r.
func NewBridge(r Resolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{resolver: r, logger: measuredlog.WithComponent(logger, "resolver")}
}

// Resolve blocks until every target has an answer or budget elapses, and
// returns whatever had finished. It must not be called on the loop
// goroutine. A non-positive budget uses DefaultBudget.
func (b *Bridge) Resolve(ctx context.Context, targets []schedule.Target, budget time.Duration) Result {
	if budget <= 0 {
		budget = DefaultBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var (
		mu    sync.Mutex
		slots = make([][]netip.Addr, len(targets))
		done  = make([]bool, len(targets))
		wg    sync.WaitGroup
	)

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target schedule.Target) {
			defer wg.Done()

			addrs, err := b.lookup(ctx, target)
			if err != nil {
				b.logger.Warn("failed to resolve target",
					slog.String("target", target.Name),
					measuredlog.Error(err))
			}

			mu.Lock()
			slots[i] = addrs
			done[i] = true
			mu.Unlock()
		}(i, target)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	res := Result{}
	select {
	case <-finished:
	case <-ctx.Done():
		res.TimedOut = true
		b.logger.Warn("resolution budget exhausted",
			measuredlog.Error(&errors.TimeoutError{Operation: "resolve destinations", Duration: budget}))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, target := range targets {
		if !done[i] || len(slots[i]) == 0 {
			res.Failed = append(res.Failed, target.Name)
			continue
		}
		res.Addrs = append(res.Addrs, slots[i]...)
	}
	return res
}

func (b *Bridge) lookup(ctx context.Context, target schedule.Target) ([]netip.Addr, error) {
	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(target.Name); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = b.resolver.Lookup(ctx, target.Name, target.Family)
		if err != nil {
			return nil, err
		}
	}

	addrs = filterFamily(addrs, target.Family)
	if target.MaxResolved > 0 && len(addrs) > target.MaxResolved {
		addrs = addrs[:target.MaxResolved]
	}
	return addrs, nil
}
