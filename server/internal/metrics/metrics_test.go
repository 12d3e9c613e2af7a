package metrics

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"meshvoice/server/internal/core"
)

func TestRunLogsWhenActive(t *testing.T) {
	rooms := core.NewRooms()
	a := rooms.Accept(8)
	if _, err := rooms.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	relayed := &RelayCounter{}
	relayed.Add(128)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, rooms, relayed, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "[metrics]") || !strings.Contains(out, "connections=1") {
		t.Errorf("expected metrics log with connections=1, got: %q", out)
	}
}

func TestRunSilentWhenEmpty(t *testing.T) {
	rooms := core.NewRooms()
	relayed := &RelayCounter{}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, rooms, relayed, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(buf.String(), "[metrics]") {
		t.Errorf("expected no output for empty server, got: %q", buf.String())
	}
}

func TestRelayCounterSnapshot(t *testing.T) {
	var c RelayCounter
	c.Add(10)
	c.Add(20)
	envelopes, bytes := c.Snapshot()
	if envelopes != 2 || bytes != 30 {
		t.Fatalf("got envelopes=%d bytes=%d, want 2, 30", envelopes, bytes)
	}
}
