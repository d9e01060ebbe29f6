package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/retry"
)

// ConsumersEnv is the environment variable holding the pipe-delimited consumer list
const ConsumersEnv = "CONSUMERS"

type DB struct {
	Enabled bool // journal and ban list need Postgres
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
}

// DocStore describes the document database holding the entity documents.
type DocStore struct {
	Endpoint          string        `validate:"required,uri"` // mongodb:// connection string
	Key               string        `validate:"required"`     // account key, sent as the credential password
	Username          string        // overrides the user in Endpoint when set
	Database          string        `validate:"required"`
	Collection        string        `validate:"required"`
	PartitionKeyField string        `validate:"required"`
	ConnectTimeout    time.Duration `validate:"gte=0"`
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. http://nsqd:4151, used for /stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	ChangesTopic   string // NSQ topic carrying change batches
	EgressChannel  string // NSQ channel name for egress workers
	DLQTopic       string // Dead letter queue topic
	MaxInFlight    int
}

type Retry struct {
	FirstRetryInterval time.Duration
	BackoffCoefficient float64
	MaxRetryInterval   time.Duration
	MaxAttempts        int
	JitterPercent      float64
}

type Worker struct {
	PushTimeout         time.Duration // per push HTTP timeout
	PushRateLimit       float64       // pushes per second per branch, 0 = unlimited
	RunTimeout          time.Duration // 0 = no run-wide deadline
	BanFailedConsumers  bool
	PublishDLQ          bool // Whether to publish exhausted branches to DLQ
	HTTPPort            string
	BacklogPollInterval time.Duration
}

type Auth struct {
	PublicKeyPath string // PEM file, used when JWKSURL is empty
	JWKSURL       string // e.g. http://jwks-server:8082/.well-known/jwks.json
	KeyID         string // kid to select from the JWKS, first key when empty
	Issuer        string
	Audience      string
}

// Enabled reports whether a verification key source is configured
func (a Auth) Enabled() bool {
	return a.JWKSURL != "" || a.PublicKeyPath != ""
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	FailStatus      int           // Status returned while failing
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	Consumers    string // raw CONSUMERS value at load time
	DocStore     DocStore
	DB           DB
	NSQ          NSQ
	Retry        Retry
	Worker       Worker
	Auth         Auth
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

func FromEnv() Config {
	return Config{
		AppName:   getenv("APP_NAME", "harbor-egress"),
		HTTPPort:  getenv("HTTP_PORT", ":8080"),
		Consumers: os.Getenv(ConsumersEnv),
		DocStore: DocStore{
			Endpoint:          os.Getenv("DOCSTORE_ENDPOINT"),
			Key:               os.Getenv("DOCSTORE_KEY"),
			Username:          os.Getenv("DOCSTORE_USERNAME"),
			Database:          getenv("DOCSTORE_DATABASE", "masterdata"),
			Collection:        getenv("DOCSTORE_COLLECTION", "product"),
			PartitionKeyField: getenv("DOCSTORE_PARTITION_KEY", "partitionKey"),
			ConnectTimeout:    getenvDuration("DOCSTORE_CONNECT_TIMEOUT", 10*time.Second),
		},
		DB: DB{
			Enabled: getenvBool("DB_ENABLED", false),
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "egress"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			ChangesTopic:   getenv("NSQ_CHANGES_TOPIC", "changes"),
			EgressChannel:  getenv("NSQ_EGRESS_CHANNEL", "egress"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "egress_dlq"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 4),
		},
		Retry: Retry{
			FirstRetryInterval: getenvDuration("RETRY_FIRST_INTERVAL", 5*time.Second),
			BackoffCoefficient: getenvFloat("RETRY_BACKOFF_COEFFICIENT", 2),
			MaxRetryInterval:   getenvDuration("RETRY_MAX_INTERVAL", time.Minute),
			MaxAttempts:        getenvInt("RETRY_MAX_ATTEMPTS", 3),
			JitterPercent:      getenvFloat("RETRY_JITTER_PCT", 0),
		},
		Worker: Worker{
			PushTimeout:         getenvDuration("PUSH_TIMEOUT", 30*time.Second),
			PushRateLimit:       getenvFloat("PUSH_RATE_LIMIT", 0),
			RunTimeout:          getenvDuration("RUN_TIMEOUT", 0),
			BanFailedConsumers:  getenvBool("BAN_FAILED_CONSUMERS", false),
			PublishDLQ:          getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:            ":" + getenv("WORKER_HTTP_PORT", "8083"),
			BacklogPollInterval: getenvDuration("BACKLOG_POLL_INTERVAL", 15*time.Second),
		},
		Auth: Auth{
			PublicKeyPath: os.Getenv("JWT_PUBLIC_KEY"),
			JWKSURL:       os.Getenv("JWT_JWKS_URL"),
			KeyID:         os.Getenv("JWT_KEY_ID"),
			Issuer:        getenv("JWT_ISSUER", "harbor-egress"),
			Audience:      getenv("JWT_AUDIENCE", "egress-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			FailStatus:      getenvInt("FAIL_STATUS", 503),
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

// Policy converts the retry settings into the policy every branch runs with
func (c Config) Policy() retry.Policy {
	return retry.Policy{
		FirstRetryInterval: c.Retry.FirstRetryInterval,
		BackoffCoefficient: c.Retry.BackoffCoefficient,
		MaxRetryInterval:   c.Retry.MaxRetryInterval,
		MaxAttempts:        c.Retry.MaxAttempts,
		JitterPercent:      c.Retry.JitterPercent,
	}
}

var validate = validator.New()

// Validate checks everything a worker needs before it can start a run. The
// consumer list is not checked here; it is re-read at the start of every run.
func (c Config) Validate() error {
	if err := validate.Struct(c.DocStore); err != nil {
		return fmt.Errorf("%w: document store: %s", delivery.ErrConfiguration, describe(err))
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", delivery.ErrConfiguration, err)
	}
	return nil
}

// ParseConsumers splits a pipe-delimited list of consumer URLs. Blank segments
// are dropped, duplicates keep their first position. An empty result or any
// URL that is not absolute http(s) is a configuration error.
func ParseConsumers(raw string) ([]delivery.Endpoint, error) {
	seen := make(map[string]bool)
	var out []delivery.Endpoint

	for _, part := range strings.Split(raw, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := validate.Var(part, "url"); err != nil {
			return nil, fmt.Errorf("%w: consumer %q is not a valid URL", delivery.ErrConfiguration, part)
		}
		u, err := url.Parse(part)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: consumer %q must be an absolute http(s) URL", delivery.ErrConfiguration, part)
		}
		if seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, delivery.Endpoint{URL: part})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no consumers configured in %s", delivery.ErrConfiguration, ConsumersEnv)
	}
	return out, nil
}

// describe flattens validator errors into "Field (tag)" pairs
func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
