package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/auth"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/config"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/counterlock"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/httpapi"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/hub"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/queue"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
	memorystore "github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store/memory"
	postgresstore "github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store/postgres"
	redisstore "github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store/redis"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTelemetry := telemetry.Init("qflow-server")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, cleanup, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer cleanup()

	engine := queue.New(st, queue.Options{
		Prefix:         cfg.TicketPrefix,
		NumberPad:      cfg.NumberPad,
		ServiceMinutes: cfg.ServiceMinutes,
	})
	counters := counterlock.New(st, cfg.CounterIDs)
	sessions := auth.NewService(cfg.StaffPINs, cfg.StaffPINHashes, cfg.SessionTTL)
	handler := httpapi.NewHandler(engine, counters, sessions)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	h := hub.New(st)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	stopHub, err := h.Start(hubCtx)
	if err != nil {
		log.Fatalf("start hub: %v", err)
	}
	defer stopHub()

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/api/", handler.Routes())
	mux.Handle("/healthz", handler.Routes())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		serveRealtime(h, sessions, session)
	}))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "qflow-server")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("qflow-server listening on %s (store=%s)", server.Addr, cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.AbandonTTL <= 0 || cfg.PurgeInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.PurgeInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := engine.PurgeStale(ctx, cfg.AbandonTTL, cfg.PurgeBatchSize)
			cancel()
			if err != nil {
				log.Printf("purge stale error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("purged %d stale waiting tickets", count)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgresstore.NewStore(pool, postgresstore.Options{})
		if err := st.Setup(context.Background()); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		st := redisstore.NewStore(client)
		return st, func() { _ = client.Close() }, nil
	default:
		st := memorystore.New()
		return st, st.Close, nil
	}
}

// serveRealtime runs one sockjs session against the hub. A staff client
// connects with its session token so a dropped socket closes the store
// session and fires the counter auto-release hook.
func serveRealtime(h *hub.Hub, sessions *auth.Service, session sockjs.Session) {
	sessionID := staffSessionID(sessions, session)
	client := hub.NewClient(uuid.NewString(), sessionID)
	h.Register(client)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Unregister(ctx, client)
	}()

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.Apply(ctx, client, parsed)
		cancel()
	}
}

func staffSessionID(sessions *auth.Service, session sockjs.Session) string {
	req := session.Request()
	if req == nil {
		return ""
	}
	token := req.URL.Query().Get("session_id")
	if token == "" || sessions.Validate(token) != nil {
		return ""
	}
	return token
}
