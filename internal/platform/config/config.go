package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStorageDriver       = StorageDriverFirestore
	defaultSubmissionsPerMin   = 30
	defaultSecurityEnvironment = "local"
	defaultAdminRole           = "admin"

	defaultTriggerThreshold    = 100
	defaultSimilarityThreshold = 0.75
	defaultGroupingStrategy    = "founder"
	defaultMaxBatchSize        = 500
	defaultLeaseTTL            = 10 * time.Minute
	defaultLeaseWait           = 30 * time.Second
	defaultRunTimeout          = 5 * time.Minute
	defaultDispatchMode        = DispatchModeInline
	defaultWorkers             = 2
	defaultQueueSize           = 32
	defaultAggregationTopic    = "aggregation-jobs"
	defaultAggregationSub      = "aggregation-jobs-worker"

	// firestoreBatchLimit is the hard per-commit write limit of Firestore.
	firestoreBatchLimit = 500
)

const (
	// StorageDriverFirestore persists everything in Cloud Firestore.
	StorageDriverFirestore = "firestore"
	// StorageDriverMemory keeps state in process memory; for local runs only.
	StorageDriverMemory = "memory"

	// DispatchModeInline executes aggregation runs on in-process workers.
	DispatchModeInline = "inline"
	// DispatchModePubSub publishes aggregation jobs for cmd/worker to execute.
	DispatchModePubSub = "pubsub"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	Aggregation AggregationConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig locates the aggregation job topic and subscription.
type PubSubConfig struct {
	ProjectID               string
	EmulatorHost            string
	AggregationTopic        string
	AggregationSubscription string
}

// StorageConfig selects the document store implementation.
type StorageConfig struct {
	Driver string
}

// AggregationConfig tunes the request aggregation pipeline and its dispatcher.
type AggregationConfig struct {
	TriggerThreshold    int
	SimilarityThreshold float64
	GroupingStrategy    string
	MaxBatchSize        int
	LeaseTTL            time.Duration
	LeaseWait           time.Duration
	RunTimeout          time.Duration
	DispatchMode        string
	Workers             int
	QueueSize           int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	SubmissionsPerMinute int
}

// SecurityConfig groups deployment and authorisation settings.
type SecurityConfig struct {
	Environment string
	AdminRoles  []string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

type lookupFunc func(string) (string, bool)

// lookup resolves keys with precedence explicit map > OS environment > .env file.
func (o loaderOptions) lookup() (lookupFunc, error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map).
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides
// and environment variables, then validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("config: context is required")
	}
	lookup, err := newLoaderOptions(opts).lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:               stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			EmulatorHost:            stringWithDefault(lookup, "API_PUBSUB_EMULATOR_HOST", ""),
			AggregationTopic:        stringWithDefault(lookup, "API_PUBSUB_AGGREGATION_TOPIC", defaultAggregationTopic),
			AggregationSubscription: stringWithDefault(lookup, "API_PUBSUB_AGGREGATION_SUBSCRIPTION", defaultAggregationSub),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "API_STORAGE_DRIVER", defaultStorageDriver)),
		},
		Aggregation: AggregationConfig{
			TriggerThreshold:    intWithDefault(lookup, "API_AGGREGATION_TRIGGER_THRESHOLD", defaultTriggerThreshold),
			SimilarityThreshold: floatWithDefault(lookup, "API_AGGREGATION_SIMILARITY_THRESHOLD", defaultSimilarityThreshold),
			GroupingStrategy:    strings.ToLower(stringWithDefault(lookup, "API_AGGREGATION_GROUPING_STRATEGY", defaultGroupingStrategy)),
			MaxBatchSize:        intWithDefault(lookup, "API_AGGREGATION_MAX_BATCH_SIZE", defaultMaxBatchSize),
			LeaseTTL:            durationWithDefault(lookup, "API_AGGREGATION_LEASE_TTL", defaultLeaseTTL),
			LeaseWait:           durationWithDefault(lookup, "API_AGGREGATION_LEASE_WAIT", defaultLeaseWait),
			RunTimeout:          durationWithDefault(lookup, "API_AGGREGATION_RUN_TIMEOUT", defaultRunTimeout),
			DispatchMode:        strings.ToLower(stringWithDefault(lookup, "API_AGGREGATION_DISPATCH_MODE", defaultDispatchMode)),
			Workers:             intWithDefault(lookup, "API_AGGREGATION_WORKERS", defaultWorkers),
			QueueSize:           intWithDefault(lookup, "API_AGGREGATION_QUEUE_SIZE", defaultQueueSize),
		},
		RateLimits: RateLimitConfig{
			SubmissionsPerMinute: intWithDefault(lookup, "API_RATELIMIT_SUBMISSIONS_PER_MIN", defaultSubmissionsPerMin),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			AdminRoles:  csvWithDefault(lookup, "API_SECURITY_ADMIN_ROLES"),
		},
	}

	// Firestore project defaults to Firebase project, Pub/Sub to Firestore.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.AdminRoles) == 0 {
		cfg.Security.AdminRoles = []string{defaultAdminRole}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Storage.Driver {
	case StorageDriverFirestore:
		if cfg.Firebase.ProjectID == "" {
			invalid = append(invalid, "Firebase.ProjectID")
		}
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case StorageDriverMemory:
	default:
		invalid = append(invalid, "Storage.Driver")
	}

	agg := cfg.Aggregation
	if agg.TriggerThreshold <= 0 {
		invalid = append(invalid, "Aggregation.TriggerThreshold")
	}
	if agg.SimilarityThreshold <= 0 || agg.SimilarityThreshold > 1 {
		invalid = append(invalid, "Aggregation.SimilarityThreshold")
	}
	if agg.GroupingStrategy != "founder" && agg.GroupingStrategy != "clique" {
		invalid = append(invalid, "Aggregation.GroupingStrategy")
	}
	if agg.MaxBatchSize <= 0 || agg.MaxBatchSize > firestoreBatchLimit {
		invalid = append(invalid, "Aggregation.MaxBatchSize")
	}
	if agg.LeaseTTL <= 0 {
		invalid = append(invalid, "Aggregation.LeaseTTL")
	}
	if agg.LeaseWait < 0 {
		invalid = append(invalid, "Aggregation.LeaseWait")
	}
	if agg.RunTimeout <= 0 {
		invalid = append(invalid, "Aggregation.RunTimeout")
	}
	switch agg.DispatchMode {
	case DispatchModeInline:
		if agg.Workers <= 0 {
			invalid = append(invalid, "Aggregation.Workers")
		}
		if agg.QueueSize <= 0 {
			invalid = append(invalid, "Aggregation.QueueSize")
		}
	case DispatchModePubSub:
		if cfg.PubSub.ProjectID == "" {
			invalid = append(invalid, "PubSub.ProjectID")
		}
		if cfg.PubSub.AggregationTopic == "" {
			invalid = append(invalid, "PubSub.AggregationTopic")
		}
	default:
		invalid = append(invalid, "Aggregation.DispatchMode")
	}
	if cfg.RateLimits.SubmissionsPerMinute < 0 {
		invalid = append(invalid, "RateLimits.SubmissionsPerMinute")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup lookupFunc, key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup lookupFunc, key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup lookupFunc, key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
