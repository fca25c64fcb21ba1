package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/EternisAI/silo-desk/internal/grpc/client"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

var (
	address  = flag.String("address", "localhost:9090", "gRPC server address")
	token    = flag.String("token", "", "JWT issued by /api/v1/auth/login")
	agentID  = flag.String("agent-id", "", "Agent to request a session with")
	username = flag.String("username", "smoke-viewer", "Viewer username")
	frames   = flag.Int("frames", 30, "Frames to receive before ending the session")
	timeout  = flag.Duration("timeout", 60*time.Second, "Overall timeout")
)

// Connects as a viewer, requests a session, counts frames and ends it.
func main() {
	flag.Parse()
	if *agentID == "" {
		log.Fatal("-agent-id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	c := client.NewClient(client.Config{})
	states, unsubStates := c.SubscribeState(16)
	defer unsubStates()
	go func() {
		for change := range states {
			log.Printf("state %s -> %s %s", change.From, change.To, change.Message)
		}
	}()

	msgs, unsubMsgs := c.SubscribeMessages(256)
	defer unsubMsgs()

	hostname, _ := os.Hostname()
	err := c.Connect(ctx, client.ConnectRequest{
		Address:     *address,
		Token:       *token,
		Role:        client.RoleViewer,
		Username:    *username,
		MachineName: hostname,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Disconnect()

	log.Printf("Connected as viewer %s, requesting session with %s", c.Identity(), *agentID)
	if err := c.Send(&protocol.RequestSession{
		TargetAgentID:     *agentID,
		ViewerUsername:    *username,
		ViewerMachineName: hostname,
	}); err != nil {
		log.Fatalf("Failed to request session: %v", err)
	}

	var (
		sessionID string
		received  int
		bytes     int
		start     time.Time
	)
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("Gave up: %v (received %d frames)", ctx.Err(), received)
		case msg, ok := <-msgs:
			if !ok {
				log.Fatal("Message stream closed")
			}
			switch p := msg.Payload.(type) {
			case *protocol.SessionStarted:
				sessionID = p.SessionID
				start = time.Now()
				log.Printf("Session %s started: %dfps quality=%d encoding=%s",
					p.SessionID, p.SessionSettings.FPS, p.SessionSettings.Quality, p.SessionSettings.Encoding)
			case *protocol.Frame:
				received++
				bytes += len(p.Data)
				if received < *frames {
					continue
				}
				elapsed := time.Since(start)
				log.Printf("Received %d frames (%d bytes) in %s, %.1f fps",
					received, bytes, elapsed.Round(time.Millisecond), float64(received)/elapsed.Seconds())
				if err := c.Send(&protocol.SessionEnded{SessionID: sessionID, Reason: "Smoke test complete"}); err != nil {
					log.Fatalf("Failed to end session: %v", err)
				}
				time.Sleep(200 * time.Millisecond)
				return
			case *protocol.SessionEnded:
				log.Fatalf("Session ended early: %s", p.Reason)
			case *protocol.Error:
				log.Fatalf("Server error %s: %s", p.ErrorCode, p.Message)
			}
		}
	}
}
