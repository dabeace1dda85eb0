// chatserver is the conversation synchronization server. It accepts
// WebSocket clients, authenticates them by bearer token, and fans out
// message, typing, and history frames per conversation.
//
// Configuration is via environment variables:
//
//	LISTEN_ADDR      address to listen on (default ":8080")
//	MAX_CONNECTIONS  hard cap on concurrent connections (default 10000)
//	AUTH_TOKENS      static token map, "token:user,token:user" (used when REDIS_ADDR is unset)
//	REDIS_ADDR       Redis address for token lookups and rate limiting
//	NATS_URL         NATS URL for cross-instance fan-out (standalone if unset)
//	POSTGRES_DSN     PostgreSQL DSN for durable history (in-memory if unset)
//	MIGRATIONS_DIR   schema migrations directory (default "migrations")
//	HISTORY_LIMIT    messages sent as backfill on join (default 50)
//	INSTANCE_NAME    origin tag for cross-instance events (default hostname)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/converge/chatsync/internal/auth"
	"github.com/converge/chatsync/internal/history"
	"github.com/converge/chatsync/internal/messaging"
	"github.com/converge/chatsync/internal/ratelimit"
	"github.com/converge/chatsync/internal/server"
)

func main() {
	config := server.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}

	instance, _ := os.Hostname()
	if v := os.Getenv("INSTANCE_NAME"); v != "" {
		instance = v
	}
	if instance == "" {
		instance = "chatsync-1"
	}

	core := server.CoreConfig{Instance: instance}

	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			core.HistoryLimit = n
		}
	}

	// --- Auth and rate limiting ---
	redisAddr := os.Getenv("REDIS_ADDR")
	var redisVerifier *auth.RedisVerifier
	if redisAddr != "" {
		var err error
		redisVerifier, err = auth.NewRedisVerifier(redisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		core.Verifier = redisVerifier
		core.Limiter = ratelimit.NewLimiter(redis.NewClient(&redis.Options{Addr: redisAddr}))
	} else {
		tokens := parseTokenMap(os.Getenv("AUTH_TOKENS"))
		if len(tokens) == 0 {
			log.Fatal("no auth backend: set REDIS_ADDR or AUTH_TOKENS")
		}
		core.Verifier = auth.NewStaticVerifier(tokens)
	}

	// --- History ---
	var pgStore *history.PostgresStore
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		pgStore, err = history.OpenPostgres(ctx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		migrationsDir := os.Getenv("MIGRATIONS_DIR")
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := pgStore.Migrate(migrationsDir); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		core.History = pgStore
	} else {
		core.History = history.NewMemoryStore(0)
	}

	// --- Cross-instance fan-out ---
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = instance
		var err error
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		core.Fanout = natsClient
	}

	srv := server.New(config)
	server.RegisterCore(srv, core)
	srv.StartHeartbeat(server.DefaultHeartbeatConfig())

	log.Printf("chatsync server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  instance:        %s", instance)
	log.Printf("  redis:           %v", redisAddr != "")
	log.Printf("  nats:            %v", natsClient != nil)
	log.Printf("  postgres:        %v", pgStore != nil)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if pgStore != nil {
			if err := pgStore.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		if redisVerifier != nil {
			if err := redisVerifier.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// parseTokenMap parses "token:user,token:user" into a map.
func parseTokenMap(s string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			log.Printf("ignoring malformed AUTH_TOKENS entry %q", pair)
			continue
		}
		tokens[token] = user
	}
	return tokens
}
