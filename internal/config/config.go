package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string // NSQ topic for delivery tasks
	DLQTopic        string // dead letter topic
	WorkerChannel   string // NSQ channel name for workers
}

type Redis struct {
	Addr string // host:port of the subscription cache
	DB   int
	TTL  time.Duration // cache entry lifetime
}

type Auth struct {
	PublicKeyPEM string // RS256 public key; empty enables the X-Tenant-Id dev fallback
	Issuer       string
	Audience     string
}

type Worker struct {
	Concurrency      int           // concurrent NSQ handlers
	MaxInFlight      int           // NSQ max in-flight messages
	HTTPTimeout      time.Duration // per-delivery outbound timeout
	JitterPercent    float64       // backoff jitter percentage (0.0-1.0)
	BatchLinger      time.Duration // max wait to fill a delivery batch
	AutoDisableAfter int           // consecutive permanent lineages before soft-disable; 0 = off
	PublishDLQ       bool          // whether to publish dead letters to the DLQ topic
	HTTPPort         string        // worker metrics/health port
	BreakerFailures  uint32        // consecutive endpoint failures before the breaker opens
	BreakerCooldown  time.Duration // how long an open breaker stays open
}

type API struct {
	HTTPPort      string
	RateLimit     int           // requests per window per tenant
	RateWindow    time.Duration // rate limit window
	SignatureHdr  string
	TimestampHdr  string
	DeliveryIDHdr string
}

type FakeReceiver struct {
	FailFirstN      int           // number of requests to fail initially
	EndpointSecret  string        // secret for signature verification
	LeewaySeconds   int           // allowed timestamp skew in seconds
	ResponseDelayMS int           // simulated response delay in milliseconds
	Port            string        // server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Redis        Redis
	Auth         Auth
	Worker       Worker
	API          API
	FakeReceiver FakeReceiver
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

// FromEnv loads configuration from the environment, with a best-effort .env load first.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		AppName: getenv("APP_NAME", "hookrelay"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookrelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Redis: Redis{
			Addr: getenv("REDIS_ADDR", "redis:6379"),
			DB:   getenvInt("REDIS_DB", 0),
			TTL:  getenvDuration("SUBSCRIPTION_CACHE_TTL", 30*time.Second),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("AUTH_ISSUER", "kestrel-identity"),
			Audience:     getenv("AUTH_AUDIENCE", "hookrelay"),
		},
		Worker: Worker{
			Concurrency:      getenvInt("WORKER_CONCURRENCY", 16),
			MaxInFlight:      getenvInt("WORKER_MAX_IN_FLIGHT", 1000),
			HTTPTimeout:      getenvDuration("DELIVERY_HTTP_TIMEOUT", 15*time.Second),
			JitterPercent:    getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			BatchLinger:      getenvDuration("BATCH_LINGER", 200*time.Millisecond),
			AutoDisableAfter: getenvInt("AUTO_DISABLE_AFTER", 0),
			PublishDLQ:       getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:         ":" + getenv("WORKER_HTTP_PORT", "8083"),
			BreakerFailures:  uint32(getenvInt("BREAKER_FAILURES", 5)),
			BreakerCooldown:  getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		API: API{
			HTTPPort:      getenv("HTTP_PORT", ":8080"),
			RateLimit:     getenvInt("API_RATE_LIMIT", 100),
			RateWindow:    getenvDuration("API_RATE_WINDOW", time.Minute),
			SignatureHdr:  getenv("WEBHOOK_SIGNATURE_HEADER", "X-Kestrel-Signature"),
			TimestampHdr:  getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Kestrel-Timestamp"),
			DeliveryIDHdr: getenv("WEBHOOK_DELIVERY_ID_HEADER", "X-Kestrel-Delivery-Id"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			LeewaySeconds:   getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
