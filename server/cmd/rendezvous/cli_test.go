package main

import (
	"meshvoice/server/internal/core"
	"testing"
)

func TestRunCLINoArgsReturnsFalse(t *testing.T) {
	if RunCLI(nil, core.NewRooms()) {
		t.Fatal("expected false for no args")
	}
}

func TestRunCLIVersionHandled(t *testing.T) {
	if !RunCLI([]string{"version"}, core.NewRooms()) {
		t.Fatal("expected version subcommand to be handled")
	}
}

func TestRunCLIStatusHandled(t *testing.T) {
	rooms := core.NewRooms()
	a := rooms.Accept(8)
	if _, err := rooms.Join(a.ParticipantID, "R", "alice"); err != nil {
		t.Fatal(err)
	}
	if !RunCLI([]string{"status"}, rooms) {
		t.Fatal("expected status subcommand to be handled")
	}
}
