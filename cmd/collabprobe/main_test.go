package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wricardo/collabcode/collab/config"
	"github.com/wricardo/collabcode/collab/session"
	"github.com/wricardo/collabcode/transport/websocket"
)

func startBroker(t *testing.T) (*session.Manager, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewManager()
	hub := websocket.NewHub(store, config.Default(), websocket.Options{Logger: logger})
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)
	return store, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestProbe_JoinsAndPublishes(t *testing.T) {
	store, url := startBroker(t)

	var out bytes.Buffer
	res, err := Probe(context.Background(), ProbeOptions{
		URL:       url,
		SessionID: "probe-room",
		UserID:    "user-probe",
		Name:      "probe",
		Code:      "print('hi')",
		Chat:      "hello",
		Wait:      200 * time.Millisecond,
	}, &out)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if res.SessionID != "probe-room" || res.UserID != "user-probe" || res.Users != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Received["joined"] != 1 {
		t.Errorf("joined received %d times", res.Received["joined"])
	}
	// Chat is echoed to the sender; code updates are not.
	if res.Received["chat-message"] != 1 || res.Received["code-update"] != 0 {
		t.Errorf("received = %v", res.Received)
	}

	for _, want := range []string{
		"joined session probe-room as user-probe",
		"-> code-change (11 bytes)",
		"<- chat-message probe: hello",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	// The probe left, so its session is gone.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get("probe-room"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("session survived the probe leaving")
}

func TestProbe_SeesOtherParticipants(t *testing.T) {
	_, url := startBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan *ProbeResult, 1)
	go func() {
		res, _ := Probe(ctx, ProbeOptions{URL: url, SessionID: "shared", UserID: "user-1", Name: "one", Wait: time.Second}, io.Discard)
		first <- res
	}()

	// Let the first probe join before the second arrives.
	time.Sleep(200 * time.Millisecond)

	res, err := Probe(ctx, ProbeOptions{URL: url, SessionID: "shared", UserID: "user-2", Name: "two", Code: "x", Wait: 100 * time.Millisecond}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if res.Users != 2 {
		t.Errorf("second probe saw %d users, want 2", res.Users)
	}

	r1 := <-first
	if r1 == nil {
		t.Fatal("first probe failed")
	}
	if r1.Received["user-joined"] != 1 || r1.Received["code-update"] != 1 || r1.Received["user-left"] != 1 {
		t.Errorf("first probe received %v", r1.Received)
	}
}

func TestProbe_DialFailure(t *testing.T) {
	if _, err := Probe(context.Background(), ProbeOptions{URL: "ws://127.0.0.1:1/ws", Wait: time.Millisecond}, io.Discard); err == nil {
		t.Error("Probe() against a closed port returned nil")
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, &ProbeResult{
		SessionID: "s",
		UserID:    "u",
		Received:  map[string]int{"joined": 1, "chat-message": 2},
	})
	if !strings.Contains(out.String(), "session s user u: chat-message=2 joined=1") {
		t.Errorf("summary = %q", out.String())
	}
}
