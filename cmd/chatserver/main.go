package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/talktome/peerchat/internal/audit"
	"github.com/talktome/peerchat/internal/messaging"
	"github.com/talktome/peerchat/internal/metrics"
	"github.com/talktome/peerchat/internal/moderation"
	"github.com/talktome/peerchat/internal/pairing"
	"github.com/talktome/peerchat/internal/protocol"
	"github.com/talktome/peerchat/internal/ratelimit"
	"github.com/talktome/peerchat/internal/registry"
	"github.com/talktome/peerchat/internal/relay"
	"github.com/talktome/peerchat/internal/ws"
)

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	sweepInterval := pairing.DefaultSweepInterval
	if v := os.Getenv("PAIR_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweepInterval = d
		}
	}

	// --- NATS (optional: Professional forwarding and pair events) ---
	var natsClient *messaging.NATSClient
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	if os.Getenv("NATS_DISABLED") == "" {
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Printf("nats unavailable, professional forwarding disabled: %v", err)
		} else {
			natsClient = nc
		}
	}

	// --- Redis (optional: rate limiting) ---
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Printf("redis unavailable, rate limiting disabled: %v", err)
			_ = rdb.Close()
		} else {
			limiter = ratelimit.NewLimiter(rdb)
		}
	}

	// --- PostgreSQL (optional: moderation audit trail) ---
	var auditStore *audit.Store
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		migrationsDir := os.Getenv("MIGRATIONS_DIR")
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := audit.Migrate(databaseURL, migrationsDir); err != nil {
			log.Printf("audit migrations failed, audit disabled: %v", err)
		} else if store, err := audit.Open(databaseURL); err != nil {
			log.Printf("postgres unavailable, audit disabled: %v", err)
		} else {
			auditStore = store
		}
	}

	// --- OpenAI (optional: moderation rewrite and AI companion) ---
	var openaiClient *openai.Client
	openaiModel := os.Getenv("OPENAI_MODEL")
	if openaiModel == "" {
		openaiModel = "gpt-4o-mini"
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		openaiClient = openai.NewClient(apiKey)
	} else {
		log.Printf("OPENAI_API_KEY not set, moderation and AI replies disabled")
	}
	moderationTimeout := moderation.DefaultTimeout
	if v := os.Getenv("MODERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			moderationTimeout = d
		}
	}

	var sink moderation.AuditSink
	if auditStore != nil {
		sink = auditStore
	}
	gateway := moderation.NewGateway(openaiClient, openaiModel, moderationTimeout, sink)

	var replier relay.Replier
	if openaiClient != nil {
		replier = moderation.NewResponder(openaiClient, openaiModel, moderationTimeout)
	}

	var forwarder relay.Forwarder
	var pairEvents pairing.EventPublisher
	if natsClient != nil {
		forwarder = natsClient
		pairEvents = natsClient
	}

	log.Printf("TalkToMe chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  sweep_interval:  %s", sweepInterval)
	log.Printf("  nats:            %v", natsClient != nil)
	log.Printf("  rate_limiting:   %v", limiter != nil)
	log.Printf("  audit:           %v", auditStore != nil)
	log.Printf("  moderation:      %v (model=%s)", gateway.Enabled(), openaiModel)

	reg := registry.New()
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)
	router := relay.NewRouter(reg, server, gateway, replier, forwarder)
	sweeper := pairing.NewSweeper(reg, server, pairEvents, sweepInterval)

	// sendError writes a structured error event directly to a connection,
	// used before an identity is bound.
	sendError := func(conn *ws.Connection, code, message string) {
		data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    code,
			Message: message,
		})
		if err != nil {
			log.Printf("build error message conn=%s: %v", conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("send error message conn=%s: %v", conn.ID, err)
		}
	}

	// --- join: register an identity and pick a category ---
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		join, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}

		prev := conn.Identity()

		username := strings.TrimSpace(join.Username)
		if err := protocol.ValidateUsername(username); err != nil {
			sendError(conn, "invalid_message", "invalid username")
			return
		}
		cat, err := registry.ParseCategory(join.Category)
		if err != nil {
			sendError(conn, "invalid_message", "unknown category")
			return
		}

		ctx := context.Background()
		if !limiter.Allow(ctx, username, ratelimit.RuleJoin) {
			sendError(conn, "rate_limited", "Too many join attempts. Please wait a moment.")
			return
		}

		if err := server.BindIdentity(conn.ID, username); err != nil {
			if errors.Is(err, ws.ErrIdentityTaken) {
				sendError(conn, "identity_taken", "That name is already in use.")
			} else {
				log.Printf("bind identity conn=%s username=%s: %v", conn.ID, username, err)
				sendError(conn, "identity_taken", "That name is unavailable.")
			}
			return
		}

		// A join under a new name abandons the previous identity entirely;
		// its registry state is torn down the same way as on disconnect.
		if prev != "" && prev != username {
			releaseIdentity(reg, server, natsClient, prev)
		}

		status, orphan, hadOrphan := reg.Register(username, cat)

		// A re-join tears down any previous pairing; the abandoned partner
		// learns about it the same way as on disconnect.
		if hadOrphan && orphan != username {
			notifyPartnerLeft(server, orphan)
		}

		switch status {
		case registry.StatusWaiting:
			data, err := protocol.NewServerMessage(protocol.TypeWaiting, protocol.WaitingMsg{
				Message: "Waiting for a human helper...",
			})
			if err == nil {
				_ = conn.WriteMessage(data)
			}
		case registry.StatusReady:
			data, err := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{
				Message: "You are connected to " + string(cat) + " chat.",
			})
			if err == nil {
				_ = conn.WriteMessage(data)
			}
		}

		// Professional users get a per-identity result channel from the
		// assignment service.
		if cat == registry.CategoryProfessional && natsClient != nil {
			if err := natsClient.SubscribeAssignResult(username, func(data []byte) {
				var res messaging.AssignResult
				if err := json.Unmarshal(data, &res); err != nil {
					log.Printf("assign result unmarshal for %s: %v", username, err)
					return
				}
				out, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
					Username: res.Professional,
					Message:  res.Message,
					Ts:       time.Now().Unix(),
				})
				if err != nil {
					return
				}
				if err := server.Emit(username, out); err != nil {
					log.Printf("deliver assign result to %s: %v", username, err)
				}
			}); err != nil {
				log.Printf("subscribe assign results for %s: %v", username, err)
			}
		}

		log.Printf("join username=%s category=%s status=%d conn=%s", username, cat, status, conn.ID)
	})

	// --- send_message: relay a chat message ---
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sm, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}

		identity := conn.Identity()
		if identity == "" {
			sendError(conn, "no_session", "join before sending messages")
			return
		}
		if err := protocol.ValidateText(sm.Message); err != nil {
			sendError(conn, "invalid_message", "invalid message")
			return
		}

		ctx := context.Background()
		if !limiter.Allow(ctx, identity, ratelimit.RuleMessage) {
			sendError(conn, "rate_limited", "You are sending messages too quickly.")
			return
		}

		// Runs on the connection's serialized read path, so per-sender
		// ordering survives the moderation round trip.
		router.OnMessage(ctx, identity, sm.Message)
	})

	// --- disconnect: tear down session state and tell the partner ---
	server.SetOnDisconnect(func(connID, identity string) {
		if identity == "" {
			return
		}
		releaseIdentity(reg, server, natsClient, identity)
		log.Printf("session closed identity=%s conn=%s", identity, connID)
	})

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/moderate", moderateHandler(gateway))

	sweeper.Start()

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	sweeper.Stop()
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if auditStore != nil {
		_ = auditStore.Close()
	}

	log.Printf("chat server stopped")
}

// releaseIdentity tears down all server-side state for an identity that is no
// longer reachable: its registry session and queue entry, its pairing (the
// abandoned partner is notified), and any assignment-result subscription. It
// runs on disconnect and when a connection rejoins under a different name.
func releaseIdentity(reg *registry.Registry, emit relay.Emitter, natsClient *messaging.NATSClient, identity string) {
	cat, catErr := reg.Category(identity)
	partner, hadPartner := reg.Unregister(identity)
	if hadPartner {
		notifyPartnerLeft(emit, partner)
	}

	if catErr == nil && cat == registry.CategoryProfessional && natsClient != nil {
		_ = natsClient.UnsubscribeAssignResult(identity)
	}

	metrics.WaitingQueueSize.Set(float64(reg.WaitingLen()))
	metrics.ActivePairs.Set(float64(reg.PairedLen()))
}

// notifyPartnerLeft emits a partner_disconnected event to the given identity.
func notifyPartnerLeft(emit relay.Emitter, identity string) {
	data, err := protocol.NewServerMessage(protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{
		Message: "Your partner has left.",
	})
	if err != nil {
		log.Printf("build partner_disconnected for %s: %v", identity, err)
		return
	}
	if err := emit.Emit(identity, data); err != nil {
		log.Printf("notify %s of partner leaving: %v", identity, err)
	}
}

// moderateHandler exposes the moderation rewrite as a synchronous HTTP
// endpoint for testing the gateway in isolation.
func moderateHandler(gateway *moderation.Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
			http.Error(w, "expected JSON body with a \"message\" field", http.StatusBadRequest)
			return
		}

		filtered, err := gateway.Rewrite(r.Context(), "moderate-endpoint", req.Message)
		if err != nil {
			// Fail-open, same as the relay path: the original text comes back.
			filtered = req.Message
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Original string `json:"original"`
			Filtered string `json:"filtered"`
		}{
			Original: req.Message,
			Filtered: filtered,
		})
	})
}
