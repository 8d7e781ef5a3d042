package presence

import (
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cinelist/presence/api"
	"github.com/cinelist/presence/auth"
	"github.com/cinelist/presence/broadcast"
	"github.com/cinelist/presence/internal"
	"github.com/cinelist/presence/reconcile"
	"github.com/cinelist/presence/session"
	"github.com/cinelist/presence/state"
	"github.com/cinelist/presence/store"
	"github.com/cinelist/presence/ws"
)

// Version is reported to tracing backends and the health endpoint.
const Version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	BindAddr    string
	PostgresURI string

	// RedisURL is a redis:// connection URL. When RedisDisabled is set the
	// engine runs with no ephemeral store at all: connections still work,
	// presence reads come up empty.
	RedisURL      string
	RedisDisabled bool

	JWTSecret string

	// ReconcileSchedule is a cron expression; empty disables the scheduled
	// job (manual triggering via the API still works).
	ReconcileSchedule string

	HeartbeatInterval      time.Duration
	ActivityThrottleWindow time.Duration

	OTLPURL      string
	OTLPUsername string
	OTLPPassword string
	SentryDSN    string
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Run wires the engine together and blocks serving HTTP until the process
// exits.
func Run(cfg Config) {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}
	if cfg.OTLPURL != "" {
		if err := internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUsername, cfg.OTLPPassword, Version); err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
	}

	db, err := sqlx.Open("postgres", cfg.PostgresURI)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	users := state.NewUsersTable(db)

	var ephemeral store.Store
	if cfg.RedisDisabled {
		logger.Warn().Msg("running without an ephemeral store; presence reads will be empty")
		ephemeral = store.NopStore{}
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.RedisURL).Msg("bad redis URL")
		}
		ephemeral = store.NewRedisStore(redis.NewClient(opts))
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	channels := broadcast.NewPromChannels(broadcast.NewBroadcaster(), "broadcast")
	reconciler := reconcile.New(ephemeral, users)
	if cfg.ReconcileSchedule != "" {
		if _, err := reconciler.Schedule(cfg.ReconcileSchedule); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.ReconcileSchedule).Msg("bad reconcile schedule")
		}
		logger.Info().Str("schedule", cfg.ReconcileSchedule).Msg("reconciliation scheduled")
	}

	connectHandler := &ws.Handler{
		Verifier: verifier,
		Store:    ephemeral,
		Channels: channels,
		SessionConfig: session.Config{
			HeartbeatInterval:      cfg.HeartbeatInterval,
			ActivityThrottleWindow: cfg.ActivityThrottleWindow,
		},
	}
	adminAPI := api.New(verifier, users, ephemeral, reconciler)

	r := mux.NewRouter()
	r.Handle("/presence/connect", connectHandler)
	adminAPI.Attach(r)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"` + Version + `"}`))
	})

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: allowCORS(r),
	}

	var handler http.Handler = srv
	if cfg.OTLPURL != "" {
		handler = otelhttp.NewHandler(srv, "presence")
	}

	// Block forever
	logger.Info().Msgf("listening on %s", cfg.BindAddr)
	if err := http.ListenAndServe(cfg.BindAddr, handler); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
