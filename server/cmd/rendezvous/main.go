// Command rendezvous is the Rendezvous Server (component R, spec.md §4.1):
// it tracks room membership and relays signaling envelopes between peers.
// It never inspects SDP or ICE payloads and never mediates media.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"meshvoice/server/internal/core"
	"meshvoice/server/internal/metrics"
	"meshvoice/server/internal/ws"

	"github.com/labstack/echo/v4"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], core.NewRooms()) {
			return
		}
	}

	addr := flag.String("addr", ":8443", "HTTPS/WebSocket listen address")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	insecure := flag.Bool("insecure", false, "serve plain HTTP instead of HTTPS (local testing only)")
	flag.Parse()

	rooms := core.NewRooms()
	relayed := &metrics.RelayCounter{}

	e := echo.New()
	e.HideBanner = true
	ws.NewHandler(rooms, relayed).Register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go metrics.Run(ctx, rooms, relayed, 5*time.Second)

	e.Server.Addr = *addr
	e.Server.IdleTimeout = *idleTimeout

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	if *insecure {
		log.Printf("[server] listening on %s (plaintext)", *addr)
		if err := e.Start(*addr); err != nil && ctx.Err() == nil {
			log.Fatalf("[server] %v", err)
		}
		return
	}

	hostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil {
		hostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, hostname)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	e.Server.TLSConfig = tlsConfig
	log.Printf("[server] listening on %s", *addr)
	if err := e.StartServer(e.Server); err != nil && ctx.Err() == nil {
		log.Fatalf("[server] %v", err)
	}
}
