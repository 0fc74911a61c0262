package otelexport

import (
	"context"
	"strings"
	"testing"
)

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("err = %v, want unknown protocol", err)
	}
}

func TestShutdownNilExporter(t *testing.T) {
	var exp *Exporter
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServiceNameDefault(t *testing.T) {
	if got := serviceName(Config{}); got != "deskpilot-host" {
		t.Errorf("serviceName = %q, want deskpilot-host", got)
	}
	if got := serviceName(Config{ServiceName: "lab"}); got != "lab" {
		t.Errorf("serviceName = %q, want lab", got)
	}
}

func TestSamplerRatio(t *testing.T) {
	cases := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for ratio, want := range cases {
		if got := sampler(ratio).Description(); !strings.Contains(got, want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", ratio, got, want)
		}
	}
}
