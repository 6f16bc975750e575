package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/telemetry"
)

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{gateway.ErrUnauthorized, http.StatusUnauthorized},
		{gateway.ErrForbidden, http.StatusForbidden},
		{gateway.ErrNotFound, http.StatusNotFound},
		{gateway.ErrConflict, http.StatusConflict},
		{gateway.ErrThrottled, http.StatusTooManyRequests},
		{&gateway.ThrottledError{Provider: "p"}, http.StatusTooManyRequests},
		{gateway.ErrBadRequest, http.StatusBadRequest},
		// A malformed upstream response is the upstream's fault, not the
		// client's.
		{gateway.ErrAdapter, http.StatusInternalServerError},
		{fmt.Errorf("convert response: %w", gateway.ErrAdapter), http.StatusInternalServerError},
		{gateway.ErrNoEligibleKey, http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAttemptDetails(t *testing.T) {
	t.Parallel()

	a := errors.New("key k1: HTTP 500")
	b := errors.New("key k2: HTTP 503")

	tests := []struct {
		name string
		err  error
		want []string
	}{
		{
			"throttled aggregate",
			fmt.Errorf("%w: %w", gateway.ErrThrottled, errors.Join(a, b)),
			[]string{"key k1: HTTP 500", "key k2: HTTP 503"},
		},
		{
			"exhausted aggregate",
			fmt.Errorf("%w: %w", gateway.ErrNoEligibleKey, errors.Join(a)),
			[]string{"key k1: HTTP 500"},
		},
		{
			"single wrapped error",
			fmt.Errorf("%w: no provider key serves model \"m\"", gateway.ErrNoEligibleKey),
			[]string{"no keys available: no provider key serves model \"m\""},
		},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := attemptDetails(tt.err)
			if len(got) != len(tt.want) {
				t.Fatalf("details = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("details[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRecordTokenUsageShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		in, out float64
	}{
		{"openai", `{"usage":{"prompt_tokens":3,"completion_tokens":7}}`, 3, 7},
		{"anthropic", `{"usage":{"input_tokens":5,"output_tokens":11}}`, 5, 11},
		{"gemini", `{"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":9}}`, 2, 9},
		{"no usage", `{"choices":[]}`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewPedanticRegistry()
			s := &server{deps: Deps{Metrics: telemetry.NewMetrics(reg)}}
			s.recordTokenUsage("m", []byte(tt.body))

			in := counterValue(t, reg, "mithril_tokens_processed_total", "m", "input")
			out := counterValue(t, reg, "mithril_tokens_processed_total", "m", "output")
			if in != tt.in || out != tt.out {
				t.Errorf("input = %v output = %v, want %v/%v", in, out, tt.in, tt.out)
			}
		})
	}
}

func counterValue(t *testing.T, reg prometheus.Gatherer, name, model, typ string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["model"] == model && labels["type"] == typ {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
