package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/nearcache"
)

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	boom := errors.New("boom")
	l.Warn("metadata fetch failed", nearcache.Fields{"member": "a", "err": boom})
	l.Debug("tick", nil)

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("entries=%d", len(entries))
	}
	e := entries[0]
	if e.Level != logrus.WarnLevel || e.Message != "metadata fetch failed" {
		t.Fatalf("entry=%+v", e)
	}
	if e.Data["member"] != "a" || e.Data["component"] != "nearcache" {
		t.Fatalf("data=%v", e.Data)
	}
	if e.Data[logrus.ErrorKey] != boom {
		t.Fatalf("error not attached: %v", e.Data)
	}
	if entries[1].Level != logrus.DebugLevel {
		t.Fatalf("level=%v", entries[1].Level)
	}
}
