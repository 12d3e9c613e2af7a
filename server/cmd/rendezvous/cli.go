package main

import (
	"fmt"
	"os"

	"meshvoice/server/internal/core"
)

// RunCLI handles administrative subcommands against the given Rooms. The
// rendezvous command passes a freshly created Rooms, so "status" reports
// that process's own empty state, not a running server's.
// Returns true if a subcommand was handled. There is no persisted store in
// this core (spec.md §6 "Persisted state: None"), so these introspect the
// in-memory membership map only — adapted from the teacher's cli.go
// subcommand dispatch shape, regrounded on Rooms instead of a SQLite store.
func RunCLI(args []string, rooms *core.Rooms) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Println("meshvoice-rendezvous", Version)
		return true
	case "status":
		fmt.Printf("Rooms: %d\n", rooms.RoomCount())
		fmt.Printf("Connections: %d\n", rooms.ConnectionCount())
		fmt.Printf("Version: %s\n", Version)
		return true
	default:
		fmt.Fprintf(os.Stderr, "Usage: rendezvous [version|status]\n")
		os.Exit(1)
		return true
	}
}

// Version is the server build version, set at build time with -ldflags.
var Version = "dev"
