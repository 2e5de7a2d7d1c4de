package ristretto

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v want ErrInvalidConfig", err)
	}
}

func TestDefaultConfigFloor(t *testing.T) {
	c := DefaultConfig(1024)
	if c.NumCounters != 1000 || c.MaxCost != 1024 || c.BufferItems != 64 {
		t.Fatalf("cfg=%+v", c)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(1 << 20)
	cfg.Metrics = true
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })

	want := []byte("framed")
	if ok, err := p.Set(ctx, "k", want, 0, 0); !ok || err != nil {
		t.Fatalf("set ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "k")
	if !ok || err != nil || !bytes.Equal(got, want) {
		t.Fatalf("get=%q ok=%v err=%v", got, ok, err)
	}
	if p.Metrics() == nil {
		t.Fatalf("metrics requested but nil")
	}
	_ = p.Del(ctx, "k")
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after delete")
	}
}
