package logging

import "testing"

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("bursar")
	entry := l.WithField("organization_id", "org_1")
	if entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}
