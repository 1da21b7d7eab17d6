package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys
const (
	KeyDatabaseDriver       = "database.driver"
	KeyDatabaseDSN          = "database.dsn"
	KeyDatabaseMaxOpenConns = "database.max_open_conns"

	KeyTrackerKind = "tracker.kind"

	KeyGitLabURL            = "gitlab.url"
	KeyGitLabToken          = "gitlab.token"
	KeyGitLabProjectID      = "gitlab.project_id"
	KeyGitLabAuth           = "gitlab.auth"
	KeyGitLabProgressPrefix = "gitlab.progress_prefix"
	KeyGitLabLabels         = "gitlab.labels"

	KeyQueueMaxRetries = "queue.max_retries"
	KeyQueueBaseDelay  = "queue.base_delay"
	KeyQueueMaxDelay   = "queue.max_delay"

	KeyProcessorBatch       = "processor.batch"
	KeyProcessorMaxPriority = "processor.max_priority"
	KeyProcessorWorkers     = "processor.workers"
	KeyProcessorImmediate   = "processor.immediate"

	KeyReconcileInterval        = "reconcile.interval"
	KeyReconcilePullConcurrency = "reconcile.pull_concurrency"
	KeyReconcilePullPageSize    = "reconcile.pull_page_size"
	KeyReconcileReapEvery       = "reconcile.reap_every"
	KeyReconcileLeaseTimeout    = "reconcile.lease_timeout"
	KeyReconcileCleanupEvery    = "reconcile.cleanup_every"
	KeyReconcileRetention       = "reconcile.retention"
	KeyReconcileFullScanEvery   = "reconcile.full_scan_every"

	KeyLeaseKind     = "lease.kind"
	KeyLeasePath     = "lease.path"
	KeyLeaseRedisURL = "lease.redis_url"
	KeyLeaseKey      = "lease.key"
	KeyLeaseTTL      = "lease.ttl"

	KeyAuditKafkaBrokers = "audit.kafka.brokers"
	KeyAuditKafkaTopic   = "audit.kafka.topic"
	KeyAuditKafkaTimeout = "audit.kafka.timeout"

	KeyClassifyRules = "classify.rules"

	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
	KeyLogFile       = "log.file"
	KeyLogMaxSizeMB  = "log.max_size_mb"
	KeyLogMaxBackups = "log.max_backups"
	KeyLogMaxAgeDays = "log.max_age_days"

	KeyTelemetryEnabled  = "telemetry.enabled"
	KeyTelemetryStdout   = "telemetry.stdout"
	KeyTelemetryEndpoint = "telemetry.endpoint"

	KeyJSON = "json"
)

// Key describes one configuration key.
type Key struct {
	Key         string // Full key name (e.g., "gitlab.url")
	Description string // Human-readable description
	EnvVars     []string
	Secret      bool // If true, the value is masked in listings
	Default     any  // Registered default (nil = none)
	Validate    func(string) error
}

// EnvVar returns the primary environment variable of the key.
func (k Key) EnvVar() string {
	if len(k.EnvVars) > 0 {
		return k.EnvVars[0]
	}
	return EnvName(k.Key)
}

// EnvName maps a key to its IB_ environment variable name.
func EnvName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + "_" + strings.ToUpper(r.Replace(key))
}

// Keys defines every known configuration key.
var Keys = []Key{
	// Database
	{Key: KeyDatabaseDriver, Description: "SQL driver (sqlite or mysql)", Default: "sqlite", Validate: oneOf("sqlite", "mysql")},
	{Key: KeyDatabaseDSN, Description: "Database DSN or SQLite file path", Default: "issuebridge.db"},
	{Key: KeyDatabaseMaxOpenConns, Description: "Connection pool size (MySQL only)", Default: 10, Validate: validatePositiveInt},

	// Tracker
	{Key: KeyTrackerKind, Description: "Remote tracker implementation", Default: "gitlab"},
	{Key: KeyGitLabURL, Description: "GitLab base URL", Default: "https://gitlab.com", Validate: validateURL},
	{Key: KeyGitLabToken, Description: "GitLab access token", EnvVars: []string{"IB_GITLAB_TOKEN", "GITLAB_TOKEN"}, Secret: true},
	{Key: KeyGitLabProjectID, Description: "GitLab project ID or URL-encoded path", EnvVars: []string{"IB_GITLAB_PROJECT_ID", "GITLAB_PROJECT_ID"}},
	{Key: KeyGitLabAuth, Description: "Token mode (token or oauth)", Default: "token", Validate: oneOf("token", "oauth")},
	{Key: KeyGitLabProgressPrefix, Description: "Scoped label prefix carrying progress", Default: "progress"},
	{Key: KeyGitLabLabels, Description: "Comma-separated labels added to every issue"},

	// Queue
	{Key: KeyQueueMaxRetries, Description: "Attempts before an item fails", Default: 3, Validate: validateNonNegativeInt},
	{Key: KeyQueueBaseDelay, Description: "First retry delay", Default: "60s", Validate: validateDuration},
	{Key: KeyQueueMaxDelay, Description: "Retry delay cap", Default: "300s", Validate: validateDuration},

	// Processor
	{Key: KeyProcessorBatch, Description: "Items claimed per batch", Default: 50, Validate: validatePositiveInt},
	{Key: KeyProcessorMaxPriority, Description: "Least urgent priority claimed", Default: 10, Validate: validatePositiveInt},
	{Key: KeyProcessorWorkers, Description: "Concurrent items per batch", Default: 4, Validate: validatePositiveInt},
	{Key: KeyProcessorImmediate, Description: "Sync imported records immediately", Default: false, Validate: validateBool},

	// Reconciliation
	{Key: KeyReconcileInterval, Description: "Time between ticks", Default: "1m", Validate: validateDuration},
	{Key: KeyReconcilePullConcurrency, Description: "Concurrent progress reads", Default: 4, Validate: validatePositiveInt},
	{Key: KeyReconcilePullPageSize, Description: "Records read per pull-back page", Default: 200, Validate: validatePositiveInt},
	{Key: KeyReconcileReapEvery, Description: "Reaper cadence (0 disables)", Default: "5m", Validate: validateDuration},
	{Key: KeyReconcileLeaseTimeout, Description: "Processing time after which an item is reaped", Default: "10m", Validate: validateDuration},
	{Key: KeyReconcileCleanupEvery, Description: "Retention cleanup cadence (0 disables)", Default: "24h", Validate: validateDuration},
	{Key: KeyReconcileRetention, Description: "Age after which finished items and events are deleted", Default: "720h", Validate: validateDuration},
	{Key: KeyReconcileFullScanEvery, Description: "Full detector scan cadence (0 disables)", Default: "24h", Validate: validateDuration},

	// Lease
	{Key: KeyLeaseKind, Description: "Tick lease (file, redis or none)", Default: "file", Validate: oneOf("file", "redis", "none")},
	{Key: KeyLeasePath, Description: "File lease path", Default: "issuebridge.lease"},
	{Key: KeyLeaseRedisURL, Description: "Redis URL for the redis lease", Secret: true},
	{Key: KeyLeaseKey, Description: "Redis lease key", Default: "issuebridge:tick"},
	{Key: KeyLeaseTTL, Description: "Redis lease TTL", Default: "5m", Validate: validateDuration},

	// Audit
	{Key: KeyAuditKafkaBrokers, Description: "Comma-separated Kafka brokers (empty disables publishing)"},
	{Key: KeyAuditKafkaTopic, Description: "Kafka topic for change events", Default: "issuebridge.change-events"},
	{Key: KeyAuditKafkaTimeout, Description: "Kafka publish timeout", Default: "5s", Validate: validateDuration},

	// Classifier
	{Key: KeyClassifyRules, Description: "YAML classifier rules file (empty uses built-in rules)"},

	// Logging
	{Key: KeyLogLevel, Description: "Log level (debug, info, warn, error)", Default: "info", Validate: validateLogLevel},
	{Key: KeyLogFormat, Description: "Log format (auto, text or json)", Default: "auto", Validate: oneOf("auto", "text", "json")},
	{Key: KeyLogFile, Description: "Log file path (empty logs to stderr)"},
	{Key: KeyLogMaxSizeMB, Description: "Log file size before rotation", Default: 100, Validate: validatePositiveInt},
	{Key: KeyLogMaxBackups, Description: "Rotated log files kept", Default: 5, Validate: validateNonNegativeInt},
	{Key: KeyLogMaxAgeDays, Description: "Days rotated log files are kept", Default: 30, Validate: validateNonNegativeInt},

	// Telemetry
	{Key: KeyTelemetryEnabled, Description: "Enable OpenTelemetry", Default: false, Validate: validateBool},
	{Key: KeyTelemetryStdout, Description: "Export telemetry to stdout", Default: false, Validate: validateBool},
	{Key: KeyTelemetryEndpoint, Description: "OTLP HTTP metrics endpoint"},

	{Key: KeyJSON, Description: "JSON command output", Default: false, Validate: validateBool},
}

var keyMap map[string]*Key

func init() {
	keyMap = make(map[string]*Key, len(Keys))
	for i := range Keys {
		keyMap[Keys[i].Key] = &Keys[i]
	}
}

func registerDefaults(nv *viper.Viper) {
	for _, k := range Keys {
		if k.Default != nil {
			nv.SetDefault(k.Key, k.Default)
		}
		if len(k.EnvVars) > 0 {
			_ = nv.BindEnv(append([]string{k.Key}, k.EnvVars...)...)
		}
	}
}

// LookupKey returns the definition of a known key, or nil.
func LookupKey(key string) *Key {
	return keyMap[key]
}

// ValidateKey checks whether key is known and value is acceptable for it.
func ValidateKey(key, value string) error {
	k := keyMap[key]
	if k == nil {
		known := make([]string, 0, len(Keys))
		for _, k := range Keys {
			known = append(known, k.Key)
		}
		sort.Strings(known)
		return fmt.Errorf("unknown config key %q; valid keys: %s", key, strings.Join(known, ", "))
	}
	if k.Validate != nil && value != "" {
		if err := k.Validate(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks every known key's current value.
func Validate() error {
	var problems []string
	for _, k := range Keys {
		if err := ValidateKey(k.Key, GetString(k.Key)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Validation helpers

func oneOf(values ...string) func(string) error {
	return func(value string) error {
		for _, ok := range values {
			if strings.EqualFold(value, ok) {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s; got %q", strings.Join(values, ", "), value)
	}
}

func validatePositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("must be a number, got %q", value)
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func validateNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("must be a number, got %q", value)
	}
	if n < 0 {
		return fmt.Errorf("must not be negative, got %d", n)
	}
	return nil
}

func validateDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration such as 30s or 5m, got %q", value)
	}
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", d)
	}
	return nil
}

func validateURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL, got %q", value)
	}
	return nil
}

func validateLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("must be one of: debug, info, warn, error; got %q", value)
	}
}

func validateBool(value string) error {
	switch strings.ToLower(value) {
	case "true", "false", "1", "0", "yes", "no":
		return nil
	default:
		return fmt.Errorf("must be true or false, got %q", value)
	}
}
