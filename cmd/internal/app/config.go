package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every configuration variable, e.g. HERALD_HTTP_ADDR.
const EnvPrefix = "HERALD"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	// WriteTimeout stays zero by default: hijacked websocket connections inherit it.
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout   time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`

	CORSAllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"false"`
	CORSMaxAgeSeconds    int      `envconfig:"CORS_MAX_AGE_SECONDS" default:"600"`

	// Presence store: memory | postgres | sqlite | scylla.
	PresenceBackend string `envconfig:"PRESENCE_BACKEND" default:"memory"`
	PresenceSchema  string `envconfig:"PRESENCE_SCHEMA" default:"herald"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`

	SQLitePath string `envconfig:"SQLITE_PATH" default:"herald.db"`

	ScyllaHosts    []string      `envconfig:"SCYLLA_HOSTS"`
	ScyllaKeyspace string        `envconfig:"SCYLLA_KEYSPACE" default:"herald"`
	ScyllaTimeout  time.Duration `envconfig:"SCYLLA_TIMEOUT" default:"5s"`

	// Typing index: memory | redis.
	TypingBackend string        `envconfig:"TYPING_BACKEND" default:"memory"`
	TypingTTL     time.Duration `envconfig:"TYPING_TTL" default:"6s"`
	RedisURL      string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	SweepEnabled      bool          `envconfig:"SWEEP_ENABLED" default:"true"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepAwayAfter    time.Duration `envconfig:"SWEEP_AWAY_AFTER" default:"5m"`
	SweepOfflineAfter time.Duration `envconfig:"SWEEP_OFFLINE_AFTER" default:"30m"`

	// Auth: jwt | paseto.
	AuthMode        string        `envconfig:"AUTH_MODE" default:"jwt"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	JWTJWKSURL      string        `envconfig:"JWT_JWKS_URL"`
	JWTIssuer       string        `envconfig:"JWT_ISSUER"`
	JWTAudience     string        `envconfig:"JWT_AUDIENCE"`
	JWTLeeway       time.Duration `envconfig:"JWT_LEEWAY" default:"30s"`
	PasetoPublicKey string        `envconfig:"PASETO_PUBLIC_KEY"`
	PasetoIssuer    string        `envconfig:"PASETO_ISSUER"`

	// Membership resolver: static | postgres | http.
	MembershipBackend string        `envconfig:"MEMBERSHIP_BACKEND" default:"static"`
	MembershipFile    string        `envconfig:"MEMBERSHIP_FILE"`
	MembershipURL     string        `envconfig:"MEMBERSHIP_URL"`
	MembershipToken   string        `envconfig:"MEMBERSHIP_TOKEN"`
	MembershipTimeout time.Duration `envconfig:"MEMBERSHIP_TIMEOUT" default:"3s"`

	// Presence event export: none | kafka | nats.
	EventsBackend string   `envconfig:"EVENTS_BACKEND" default:"none"`
	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string   `envconfig:"KAFKA_TOPIC" default:"presence.changed"`
	NATSURL       string   `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	NATSSubject   string   `envconfig:"NATS_SUBJECT_PREFIX" default:"presence.user"`

	WSAllowedOrigins  []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSOriginRequired  bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSInsecureOrigins bool          `envconfig:"WS_INSECURE_SKIP_ORIGIN_VERIFY" default:"false"`
	WSSendQueueSize   int           `envconfig:"WS_SEND_QUEUE_SIZE" default:"256"`
	WSWriteTimeout    time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadIdleTimeout time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSPingInterval    time.Duration `envconfig:"WS_PING_INTERVAL" default:"25s"`
	WSRateEvents      int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow      time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`
}

// LoadConfig reads Config from the environment. When HERALD_ENV_FILE names a
// dotenv file it is loaded first; variables already set win.
func LoadConfig() (Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	lower := func(s *string) { *s = strings.ToLower(strings.TrimSpace(*s)) }
	lower(&c.LogFormat)
	lower(&c.PresenceBackend)
	lower(&c.TypingBackend)
	lower(&c.AuthMode)
	lower(&c.MembershipBackend)
	lower(&c.EventsBackend)

	c.CORSAllowedOrigins = trimList(c.CORSAllowedOrigins)
	c.ScyllaHosts = trimList(c.ScyllaHosts)
	c.KafkaBrokers = trimList(c.KafkaBrokers)
	c.WSAllowedOrigins = trimList(c.WSAllowedOrigins)
}

// Validate rejects unknown backends, missing backend settings and inconsistent durations.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(name, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s_%s: unsupported value %q (want one of %s)", EnvPrefix, name, v, strings.Join(allowed, ", ")))
	}
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s_%s: must be positive", EnvPrefix, name))
		}
	}

	oneOf("LOG_FORMAT", c.LogFormat, "json", "pretty")
	oneOf("PRESENCE_BACKEND", c.PresenceBackend, "memory", "postgres", "sqlite", "scylla")
	oneOf("TYPING_BACKEND", c.TypingBackend, "memory", "redis")
	oneOf("AUTH_MODE", c.AuthMode, "jwt", "paseto")
	oneOf("MEMBERSHIP_BACKEND", c.MembershipBackend, "static", "postgres", "http")
	oneOf("EVENTS_BACKEND", c.EventsBackend, "none", "kafka", "nats")

	positive("TYPING_TTL", c.TypingTTL)
	positive("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	positive("SWEEP_INTERVAL", c.SweepInterval)
	positive("SWEEP_AWAY_AFTER", c.SweepAwayAfter)
	positive("SWEEP_OFFLINE_AFTER", c.SweepOfflineAfter)
	positive("WS_RATE_WINDOW", c.WSRateWindow)
	if c.SweepOfflineAfter <= c.SweepAwayAfter {
		errs = append(errs, errors.New("HERALD_SWEEP_OFFLINE_AFTER must be greater than HERALD_SWEEP_AWAY_AFTER"))
	}

	needsDB := c.PresenceBackend == "postgres" || c.MembershipBackend == "postgres"
	if needsDB && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("HERALD_DATABASE_URL is required for postgres backends"))
	}
	if c.PresenceBackend == "scylla" && len(c.ScyllaHosts) == 0 {
		errs = append(errs, errors.New("HERALD_SCYLLA_HOSTS is required for the scylla backend"))
	}
	if c.MembershipBackend == "http" && strings.TrimSpace(c.MembershipURL) == "" {
		errs = append(errs, errors.New("HERALD_MEMBERSHIP_URL is required for the http membership backend"))
	}
	if c.EventsBackend == "kafka" && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("HERALD_KAFKA_BROKERS is required for the kafka events backend"))
	}

	switch c.AuthMode {
	case "jwt":
		if (c.JWTSecret == "") == (c.JWTJWKSURL == "") {
			errs = append(errs, errors.New("exactly one of HERALD_JWT_SECRET and HERALD_JWT_JWKS_URL must be set"))
		}
	case "paseto":
		if strings.TrimSpace(c.PasetoPublicKey) == "" {
			errs = append(errs, errors.New("HERALD_PASETO_PUBLIC_KEY is required for paseto auth"))
		}
	}

	return errors.Join(errs...)
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
