package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Store struct {
	Driver string // sqlite or postgres
	Path   string // SQLite file path
}

type Sync struct {
	MaxAttempts        int             // Attempt budget before an operation is dead-lettered
	BackoffSchedule    []time.Duration // Retry backoff durations, indexed by attempt
	JitterPercent      float64         // Backoff jitter percentage (0.0-1.0)
	PromotionThreshold int             // Retries before an operation is promoted one priority tier
	BatchSize          int             // Operations claimed per drain step
	CallTimeout        time.Duration   // Bound on each replayed network call
}

type Probe struct {
	Kind     string        // http, grpc or none
	Target   string        // health URL or gRPC address
	Service  string        // gRPC health service name
	Interval time.Duration // Poll interval
	Timeout  time.Duration // Per-check timeout
}

type Upstream struct {
	BaseURL     string        // Real server the transport talks to
	JWTSecret   string        // HS256 signing secret for outbound bearer tokens
	JWTIssuer   string        // iss claim
	JWTAudience string        // aud claim
	JWTSubject  string        // sub claim, usually the device or user id
	TokenTTL    time.Duration // Lifetime of minted tokens
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // Dead letter topic
	DLQChannel     string // Channel the dlq-monitor consumes on
	PublishDLQ     bool   // Whether dead-lettered operations are published to NSQ
}

type Tracing struct {
	Endpoint    string  // OTLP/HTTP collector, host:port or URL
	Insecure    bool    // Plaintext export unless the endpoint says https
	Version     string  // service.version resource attribute
	InstanceID  string  // service.instance.id resource attribute
	SampleRatio float64 // Fraction of root traces sampled; 1 samples everything
}

type Config struct {
	AppName  string
	HTTPPort string // :8090
	DB       DB
	Store    Store
	Sync     Sync
	Probe    Probe
	Upstream Upstream
	NSQ      NSQ
	Tracing  Tracing
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// DefaultBackoffSchedule is used when BACKOFF_SCHEDULE is unset or unparseable
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return DefaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return DefaultBackoffSchedule()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborsync"),
		HTTPPort: getenv("HTTP_PORT", ":8090"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborsync"),
		},
		Store: Store{
			Driver: strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
			Path:   getenv("STORE_PATH", "harborsync.db"),
		},
		Sync: Sync{
			MaxAttempts:        getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule:    parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:      getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PromotionThreshold: getenvInt("PROMOTION_THRESHOLD", 3),
			BatchSize:          getenvInt("SYNC_BATCH_SIZE", 16),
			CallTimeout:        getenvDuration("SYNC_CALL_TIMEOUT", 15*time.Second),
		},
		Probe: Probe{
			Kind:     strings.ToLower(getenv("PROBE_KIND", "http")),
			Target:   getenv("PROBE_TARGET", "http://upstream:8081/healthz"),
			Service:  getenv("PROBE_GRPC_SERVICE", ""),
			Interval: getenvDuration("PROBE_INTERVAL", 5*time.Second),
			Timeout:  getenvDuration("PROBE_TIMEOUT", 2*time.Second),
		},
		Upstream: Upstream{
			BaseURL:     getenv("UPSTREAM_BASE_URL", "http://upstream:8081"),
			JWTSecret:   getenv("UPSTREAM_JWT_SECRET", ""),
			JWTIssuer:   getenv("UPSTREAM_JWT_ISSUER", "harborsync"),
			JWTAudience: getenv("UPSTREAM_JWT_AUDIENCE", "harborsync-upstream"),
			JWTSubject:  getenv("UPSTREAM_JWT_SUBJECT", "device"),
			TokenTTL:    getenvDuration("UPSTREAM_TOKEN_TTL", 5*time.Minute),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "operations_dlq"),
			DLQChannel:     getenv("NSQ_DLQ_CHANNEL", "monitor"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Tracing: Tracing{
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Insecure:    getenvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			Version:     getenv("SERVICE_VERSION", "dev"),
			InstanceID:  getenv("HOSTNAME", getenv("POD_NAME", "unknown")),
			SampleRatio: getenvFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
