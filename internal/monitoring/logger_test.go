package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("device %s rssi=%d", "06:05:04:03:02:01", -59)
	if got != "device 06:05:04:03:02:01 rssi=-59" {
		t.Errorf("custom logger got %q", got)
	}

	got = ""
	SetLogger(nil)
	Logf("dropped")
	if got != "" {
		t.Errorf("no-op logger should not reach the previous logger, got %q", got)
	}
}

func TestQuiet(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	restore := Quiet()
	Logf("muted")
	if calls != 0 {
		t.Fatalf("Quiet did not mute the logger")
	}

	restore()
	Logf("audible")
	if calls != 1 {
		t.Errorf("restore did not reinstate the logger, calls=%d", calls)
	}
}
