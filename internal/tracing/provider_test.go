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

package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProvider_FiringSpan(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()
	reg := promclient.NewRegistry()

	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := NewProvider(ctx, cfg, WithSpanExporter(exp), WithRegisterer(reg))
	require.NoError(t, err)

	_, span := p.StartFiring(ctx, "icmp", "f-1")
	p.EndFiring(ctx, span, "icmp", "launched", 3*time.Second, nil)

	_, span = p.StartFiring(ctx, "dns", "f-2")
	p.EndFiring(ctx, span, "dns", "unresolved", 10*time.Second, errors.New("no addresses"))

	require.NoError(t, p.ForceFlush(ctx))
	defer p.Shutdown(ctx)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "firing icmp", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)

	var found bool
	for _, kv := range spans[1].Attributes {
		if kv.Key == AttrFiringID {
			assert.Equal(t, "f-2", kv.Value.AsString())
			found = true
		}
	}
	assert.True(t, found, "firing id attribute missing")
}

func TestProvider_Histogram(t *testing.T) {
	ctx := context.Background()
	reg := promclient.NewRegistry()

	p, err := NewProvider(ctx, DefaultConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	_, span := p.StartFiring(ctx, "http", "f-3")
	p.EndFiring(ctx, span, "http", "launched", 2*time.Second, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.True(t, containsPrefix(names, "measured_firing_duration"), "got %v", names)
}

func TestProvider_ConsoleExporter(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := NewProvider(ctx, cfg, WithOutput(&buf), WithRegisterer(promclient.NewRegistry()))
	require.NoError(t, err)

	_, span := p.StartFiring(ctx, "traceroute", "f-4")
	p.EndFiring(ctx, span, "traceroute", "launched", time.Second, nil)
	require.NoError(t, p.Shutdown(ctx))

	assert.Contains(t, buf.String(), "firing traceroute")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"none", Config{Exporter: ExporterNone}, false},
		{"otlp without endpoint", Config{Enabled: true, Exporter: ExporterOTLP}, true},
		{"otlp disabled", Config{Exporter: ExporterOTLP}, false},
		{"otlp http", Config{Enabled: true, Exporter: ExporterOTLPHTTP, Endpoint: "collector:4318"}, false},
		{"unknown", Config{Exporter: "zipkin"}, true},
		{"rate too high", Config{Exporter: ExporterConsole, SampleRate: 1.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewExporter_None(t *testing.T) {
	exp, err := NewExporter(context.Background(), Config{Exporter: ExporterNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, exp)

	_, err = NewExporter(context.Background(), Config{Exporter: "jaeger"}, nil)
	assert.Error(t, err)
}

func containsPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
