package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/busrpc"
	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/otelhelper"
	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/presence"
)

type userByFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type userRecord struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "gateway")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()

	slog.Info("Starting gateway", "listen_addr", cfg.ListenAddr, "nats_url", cfg.NatsURL)

	verifier, err := NewJWKSVerifier(cfg.JWKSURL, cfg.JWTIssuer)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("gateway"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	registry, err := presence.NewRegistry(js, cfg.PresenceTTL)
	if err != nil {
		slog.Error("Failed to create presence registry", "error", err)
		os.Exit(1)
	}

	meter := otel.Meter("gateway")
	topics := busrpc.DefaultRegistry()

	correlator, err := busrpc.NewCorrelator(nc, topics, meter)
	if err != nil {
		slog.Error("Failed to create correlator", "error", err)
		os.Exit(1)
	}
	defer correlator.Close()

	emitter := busrpc.NewEmitter(nc, topics, meter)
	hub := NewHub(nc, correlator, emitter, registry, cfg, meter)
	router := &frameRouter{hub: hub, emitter: emitter}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", connectHandler(cfg, verifier, correlator, hub, router))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	nc.Drain()
}

// connectHandler drives a connection through its lifecycle: accept
// (Connecting), credential check (Authenticating), then Active in the hub
// until the transport closes. Auth failures terminate before the upgrade.
func connectHandler(cfg Config, verifier TokenVerifier, rpc rpcClient, hub *Hub, router *frameRouter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := bearerFromRequest(r)
		if credential == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		principal, err := verifier.Verify(r.Context(), credential)
		if err != nil {
			slog.Debug("Rejected connection", "error", err)
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}

		// Confirm the account against the user service before going Active.
		var user userRecord
		err = rpc.CallInto(r.Context(), busrpc.OpGetUserByField,
			userByFieldRequest{Field: "email", Value: principal.Email}, &user)
		if err != nil {
			var te *busrpc.TimeoutError
			if errors.As(err, &te) {
				http.Error(w, "upstream timeout", http.StatusServiceUnavailable)
				return
			}
			slog.Debug("Rejected connection, account lookup failed", "email", principal.Email, "error", err)
			http.Error(w, "unknown account", http.StatusUnauthorized)
			return
		}
		if user.ID != principal.UserID {
			slog.Warn("Token subject does not match account", "userId", principal.UserID)
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("Failed to accept websocket connection", "error", err)
			return
		}

		conn := newClientConn(context.Background(), ws, principal, cfg,
			router.handle,
			func(c *clientConn, reason error) { hub.Unregister(c, reason) },
		)
		hub.Register(r.Context(), conn)
		conn.run()
	}
}
