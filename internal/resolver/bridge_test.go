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
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/schedule"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

// fixed answers from a map, sleeping for names listed in delay.
type fixed struct {
	answers map[string][]netip.Addr
	delay   map[string]time.Duration
}

func (f fixed) Lookup(ctx context.Context, name string, family schedule.Family) ([]netip.Addr, error) {
	if d, ok := f.delay[name]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a, ok := f.answers[name]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	return a, nil
}

func TestBridge_OrderAndCap(t *testing.T) {
	r := fixed{
		answers: map[string][]netip.Addr{
			"a.example": addrs("192.0.2.1", "2001:db8::1", "192.0.2.2"),
			"b.example": addrs("198.51.100.1", "198.51.100.2"),
		},
		// b answers before a; output order must still follow targets.
		delay: map[string]time.Duration{"a.example": 20 * time.Millisecond},
	}
	b := NewBridge(r, measuredlog.Discard())

	res := b.Resolve(context.Background(), []schedule.Target{
		{Name: "a.example", MaxResolved: 2},
		{Name: "b.example", MaxResolved: 0},
	}, time.Second)

	assert.Equal(t, addrs("192.0.2.1", "2001:db8::1", "198.51.100.1", "198.51.100.2"), res.Addrs)
	assert.Empty(t, res.Failed)
	assert.False(t, res.TimedOut)
}

func TestBridge_FamilyFilter(t *testing.T) {
	r := fixed{answers: map[string][]netip.Addr{
		"dual.example": addrs("192.0.2.1", "2001:db8::1", "2001:db8::2"),
	}}
	b := NewBridge(r, measuredlog.Discard())

	res := b.Resolve(context.Background(), []schedule.Target{
		{Name: "dual.example", MaxResolved: 1, Family: schedule.FamilyIPv6},
		{Name: "dual.example", MaxResolved: 0, Family: schedule.FamilyIPv4},
	}, time.Second)

	assert.Equal(t, addrs("2001:db8::1", "192.0.2.1"), res.Addrs)
}

func TestBridge_PartialFailure(t *testing.T) {
	r := fixed{answers: map[string][]netip.Addr{"good.example": addrs("192.0.2.7")}}
	b := NewBridge(r, measuredlog.Discard())

	res := b.Resolve(context.Background(), []schedule.Target{
		{Name: "bad.example", MaxResolved: 1},
		{Name: "good.example", MaxResolved: 1},
	}, time.Second)

	assert.Equal(t, addrs("192.0.2.7"), res.Addrs)
	assert.Equal(t, []string{"bad.example"}, res.Failed)
}

func TestBridge_AllFail(t *testing.T) {
	b := NewBridge(fixed{}, measuredlog.Discard())

	res := b.Resolve(context.Background(), []schedule.Target{
		{Name: "x.example", MaxResolved: 1},
		{Name: "y.example", MaxResolved: 1},
	}, time.Second)

	assert.Empty(t, res.Addrs)
	assert.Equal(t, []string{"x.example", "y.example"}, res.Failed)
}

func TestBridge_BudgetKeepsFinishedAnswers(t *testing.T) {
	r := fixed{
		answers: map[string][]netip.Addr{
			"fast.example": addrs("192.0.2.1"),
			"slow.example": addrs("192.0.2.2"),
		},
		delay: map[string]time.Duration{"slow.example": time.Minute},
	}
	b := NewBridge(r, measuredlog.Discard())

	start := time.Now()
	res := b.Resolve(context.Background(), []schedule.Target{
		{Name: "slow.example", MaxResolved: 1},
		{Name: "fast.example", MaxResolved: 1},
	}, 50*time.Millisecond)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.TimedOut)
	assert.Equal(t, addrs("192.0.2.1"), res.Addrs)
	assert.Equal(t, []string{"slow.example"}, res.Failed)
}

func TestBridge_AddressLiteralSkipsResolver(t *testing.T) {
	called := false
	r := ResolverFunc(func(context.Context, string, schedule.Family) ([]netip.Addr, error) {
		called = true
		return nil, errors.New("should not be called")
	})
	b := NewBridge(r, measuredlog.Discard())

	res := b.Resolve(context.Background(), []schedule.Target{
		{Name: "192.0.2.9", MaxResolved: 1},
		{Name: "2001:db8::9", MaxResolved: 1, Family: schedule.FamilyIPv4},
	}, time.Second)

	assert.False(t, called)
	assert.Equal(t, addrs("192.0.2.9"), res.Addrs)
	assert.Equal(t, []string{"2001:db8::9"}, res.Failed)
}

func TestChain(t *testing.T) {
	static := NewStatic()
	static.Add("pinned.example", addrs("203.0.113.5")...)

	dnsLike := fixed{answers: map[string][]netip.Addr{
		"pinned.example": addrs("192.0.2.200"),
		"other.example":  addrs("192.0.2.201"),
	}}
	chain := Chain{static, dnsLike}

	got, err := chain.Lookup(context.Background(), "pinned.example", schedule.FamilyAny)
	require.NoError(t, err)
	assert.Equal(t, addrs("203.0.113.5"), got)

	got, err = chain.Lookup(context.Background(), "other.example", schedule.FamilyAny)
	require.NoError(t, err)
	assert.Equal(t, addrs("192.0.2.201"), got)

	_, err = chain.Lookup(context.Background(), "missing.example", schedule.FamilyAny)
	assert.Error(t, err)
}
