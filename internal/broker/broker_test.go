package broker

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestResolveURL(t *testing.T) {
	c := New("nats://broker-a:4222")

	tests := []struct {
		endpoint string
		want     string
	}{
		{"", "nats://broker-a:4222"},
		{"  ", "nats://broker-a:4222"},
		{DefaultEndpoint, "nats://broker-a:4222"},
		{"nats://host-b:4222", "nats://host-b:4222"},
	}
	for _, tt := range tests {
		if got := c.ResolveURL(tt.endpoint); got != tt.want {
			t.Errorf("ResolveURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestNewDefaultsURL(t *testing.T) {
	if got := New("").ResolveURL(""); got != "nats://127.0.0.1:4222" {
		t.Fatalf("default url = %q", got)
	}
}

func TestStart(t *testing.T) {
	if got := (Start{}).First(); got != 1 {
		t.Errorf("zero Start.First() = %d, want 1", got)
	}
	s := StartAfter(42)
	if s.Sequence != 43 || s.First() != 43 {
		t.Errorf("StartAfter(42) = %+v", s)
	}
	if StartAfter(0).First() != 1 {
		t.Error("StartAfter(0) should begin at the first sequence")
	}
	if s := StartAfter(math.MaxUint64); s.Sequence != math.MaxUint64 {
		t.Errorf("StartAfter(max) = %+v, must not wrap to replay everything", s)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	c := New("nats://127.0.0.1:1")
	c.Close()

	_, err := c.Subscribe(context.Background(), "", "logs.container.abc", Start{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close: error = %v, want ErrClosed", err)
	}
}

func TestForgetUnknownEndpoint(t *testing.T) {
	// must not panic or dial
	New("nats://127.0.0.1:1").Forget("nats://nowhere:4222")
}
