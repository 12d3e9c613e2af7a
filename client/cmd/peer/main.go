// Command peer is the headless Peer Session Agent (spec.md §4.2-§4.5): it
// joins one room on a Rendezvous Server, publishes a microphone track (real
// or, with -bot, a synthesized one), and logs every observable the Mesh
// Controller surfaces. It has no GUI; a future UI binds to the same
// internal/mesh.Controller this command drives directly.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"meshvoice/client/internal/mesh"
	"meshvoice/client/internal/signaling"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8443/ws", "rendezvous server websocket URL")
	room := flag.String("room", "", "room id to join (required)")
	name := flag.String("name", "peer", "display name")
	ice := flag.String("ice", "stun:stun.l.google.com:19302", "comma-separated ICE server URLs")
	device := flag.Int("mic", -1, "input device index (-1 = platform default)")
	bot := flag.Bool("bot", false, "publish a synthesized tone instead of opening a microphone")
	audioPath := flag.String("audio", "", "with -bot, loop this 48kHz mono 16-bit PCM WAV instead of a sine tone")
	flag.Parse()

	if *room == "" {
		log.Fatal("[peer] -room is required")
	}

	c := mesh.New(*addr, parseICEServers(*ice))

	c.SetOnConnectionState(func(s signaling.State) { log.Printf("[peer] signaling: %s", s) })
	c.SetOnParticipants(func(ids []string) { log.Printf("[peer] participants: %v", ids) })
	c.SetOnPeerJoined(func(id string) { log.Printf("[peer] peer joined: %s", id) })
	c.SetOnPeerLeft(func(id string) { log.Printf("[peer] peer left: %s", id) })
	c.SetOnSpeaking(func(id string, speaking bool) { log.Printf("[peer] %s speaking=%v", id, speaking) })
	c.SetOnChatMessage(func(from, text string) { log.Printf("[peer] chat %s: %s", from, text) })
	c.SetOnRemoteTrack(func(id string, track *webrtc.TrackRemote) {
		log.Printf("[peer] remote track from %s: kind=%s codec=%s", id, track.Kind(), track.Codec().MimeType)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[peer] shutting down...")
		c.LeaveRoom()
		cancel()
	}()

	c.JoinRoom(ctx, *room, *name)

	if *bot {
		if err := startBotMicrophone(c, *audioPath); err != nil {
			log.Fatalf("[peer] bot microphone: %v", err)
		}
	} else if err := c.StartMicrophone(*device); err != nil {
		log.Fatalf("[peer] start microphone: %v", err)
	}

	<-ctx.Done()
	time.Sleep(200 * time.Millisecond) // let the Leave envelope flush
}

func parseICEServers(csv string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, url := range strings.Split(csv, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return servers
}
