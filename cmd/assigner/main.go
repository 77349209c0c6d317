package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/talktome/peerchat/internal/assign"
	"github.com/talktome/peerchat/internal/messaging"
)

// defaultRoster is used when PROFESSIONALS is not configured.
var defaultRoster = []string{"Dr. Kim", "Dr. Reyes", "Dr. Okafor"}

func main() {
	_ = godotenv.Load()

	log.Println("Starting TalkToMe assignment service...")

	roster := defaultRoster
	if v := os.Getenv("PROFESSIONALS"); v != "" {
		var parsed []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				parsed = append(parsed, name)
			}
		}
		if len(parsed) > 0 {
			roster = parsed
		}
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "talktome-assigner"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	service, err := assign.NewService(natsClient, roster)
	if err != nil {
		log.Fatalf("failed to create assignment service: %v", err)
	}
	if err := service.Start(); err != nil {
		log.Fatalf("failed to subscribe to assignment requests: %v", err)
	}

	log.Printf("TalkToMe assignment service running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  roster:   %s", strings.Join(roster, ", "))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
