package serialmux

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSerialMux_PublishSubscribe(t *testing.T) {
	mux := NewSerialMux(4)
	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()
	if id1 == "" {
		t.Fatal("Subscribe returned empty id")
	}
	if mux.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", mux.Subscribers())
	}

	mux.Publish("mac=06:05:04:03:02:01 rssi=-59")
	for _, ch := range []chan string{ch1, ch2} {
		select {
		case line := <-ch:
			if !strings.Contains(line, "rssi=-59") {
				t.Errorf("got %q", line)
			}
		default:
			t.Error("subscriber did not receive line")
		}
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel should be closed")
	}
	mux.Unsubscribe(id1)
}

func TestSerialMux_PublishDoesNotBlock(t *testing.T) {
	mux := NewSerialMux(1)
	_, ch := mux.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			mux.Publish("line")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestSerialMux_Close(t *testing.T) {
	mux := NewSerialMux(1)
	_, ch := mux.Subscribe()
	if err := mux.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
	mux.Publish("ignored")
}

func TestSerialMux_TailRoutes(t *testing.T) {
	mux := NewSerialMux(8)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	// tsweb debug routes are restricted to loopback callers, which the test
	// server is.
	resp, err := http.Get(srv.URL + "/debug/tail")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /debug/tail status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail-api", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for mux.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	mux.Publish("mac=06:05:04:03:02:01 rssi=-59")

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			if line != "data: mac=06:05:04:03:02:01 rssi=-59" {
				t.Errorf("event = %q", line)
			}
			return
		}
	}
	t.Fatalf("stream ended without data: %v", scanner.Err())
}
