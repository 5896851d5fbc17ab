package bucketkey

import (
	"context"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector", otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{"https://collector:443/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:443", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %q = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := SetupTelemetry(context.Background(), "", nil)
	if err != nil || tel != nil {
		t.Fatalf("expected disabled telemetry, got %v %v", tel, err)
	}
	if err := tel.ForceFlush(context.Background()); err != nil {
		t.Fatalf("nil flush: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}
