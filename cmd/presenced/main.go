package main

import (
	"flag"
	"os"
	"time"

	presence "github.com/cinelist/presence"
)

var (
	flagBindAddr          = flag.String("port", ":8080", "Bind address")
	flagPostgres          = flag.String("db", "user=postgres dbname=presence sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagRedis             = flag.String("redis", "redis://localhost:6379/0", "Redis connection URL for the ephemeral store")
	flagNoRedis           = flag.Bool("no-redis", false, "Run without an ephemeral store (presence reads come up empty)")
	flagJWTSecret         = flag.String("jwt-secret", "", "HS256 secret for verifying connection tokens; falls back to PRESENCE_JWT_SECRET")
	flagReconcileSchedule = flag.String("reconcile-schedule", "@daily", "Cron schedule for the last-seen reconciliation job; empty disables it")
	flagHeartbeat         = flag.Duration("heartbeat", 60*time.Second, "Server-side heartbeat interval for idle sessions")
	flagThrottle          = flag.Duration("activity-throttle", time.Second, "Coalescing window for client activity signals")
	flagOTLPURL           = flag.String("otlp-url", "", "OTLP collector URL; empty disables tracing")
	flagOTLPUsername      = flag.String("otlp-username", "", "Basic auth username for the OTLP collector")
	flagOTLPPassword      = flag.String("otlp-password", "", "Basic auth password for the OTLP collector")
	flagSentryDSN         = flag.String("sentry-dsn", "", "Sentry DSN; empty disables error reporting")
)

func main() {
	flag.Parse()
	secret := *flagJWTSecret
	if secret == "" {
		secret = os.Getenv("PRESENCE_JWT_SECRET")
	}
	if secret == "" {
		flag.Usage()
		os.Exit(1)
	}
	presence.Run(presence.Config{
		BindAddr:               *flagBindAddr,
		PostgresURI:            *flagPostgres,
		RedisURL:               *flagRedis,
		RedisDisabled:          *flagNoRedis,
		JWTSecret:              secret,
		ReconcileSchedule:      *flagReconcileSchedule,
		HeartbeatInterval:      *flagHeartbeat,
		ActivityThrottleWindow: *flagThrottle,
		OTLPURL:                *flagOTLPURL,
		OTLPUsername:           *flagOTLPUsername,
		OTLPPassword:           *flagOTLPPassword,
		SentryDSN:              *flagSentryDSN,
	})
}
