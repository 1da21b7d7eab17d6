package config

import (
	"fmt"
	"strings"
	"time"
)

// Settings is the typed view of the configuration.
type Settings struct {
	Database  DatabaseSettings
	Tracker   TrackerSettings
	Queue     QueueSettings
	Processor ProcessorSettings
	Reconcile ReconcileSettings
	Lease     LeaseSettings
	Audit     AuditSettings
	Classify  ClassifySettings
	Log       LogSettings
	Telemetry TelemetrySettings
	JSON      bool
}

// DatabaseSettings selects the SQL store.
type DatabaseSettings struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// TrackerSettings selects the remote tracker. Options are passed to the
// tracker factory by bare name (url, token, project_id, ...).
type TrackerSettings struct {
	Kind    string
	Options map[string]string
}

// QueueSettings is the retry policy.
type QueueSettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ProcessorSettings bound one batch.
type ProcessorSettings struct {
	Batch       int
	MaxPriority int
	Workers     int
	Immediate   bool
}

// ReconcileSettings are the loop cadences.
type ReconcileSettings struct {
	Interval        time.Duration
	PullConcurrency int
	PullPageSize    int
	ReapEvery       time.Duration
	LeaseTimeout    time.Duration
	CleanupEvery    time.Duration
	Retention       time.Duration
	FullScanEvery   time.Duration
}

// LeaseSettings select the tick lease.
type LeaseSettings struct {
	Kind     string
	Path     string
	RedisURL string
	Key      string
	TTL      time.Duration
}

// AuditSettings configure change event publishing.
type AuditSettings struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaTimeout time.Duration
}

// ClassifySettings locate the classifier rules.
type ClassifySettings struct {
	RulesPath string
}

// LogSettings configure the process logger.
type LogSettings struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// TelemetrySettings configure OpenTelemetry.
type TelemetrySettings struct {
	Enabled  bool
	Stdout   bool
	Endpoint string
}

// trackerPrefixes maps a tracker kind to the config section holding its options.
var trackerPrefixes = map[string]string{
	"gitlab": "gitlab.",
}

// Load validates the configuration and returns it typed. Initialize must
// have been called.
func Load() (*Settings, error) {
	if v == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	if err := Validate(); err != nil {
		return nil, err
	}

	s := &Settings{
		Database: DatabaseSettings{
			Driver:       strings.ToLower(GetString(KeyDatabaseDriver)),
			DSN:          GetString(KeyDatabaseDSN),
			MaxOpenConns: GetInt(KeyDatabaseMaxOpenConns),
		},
		Tracker: TrackerSettings{
			Kind:    strings.ToLower(GetString(KeyTrackerKind)),
			Options: map[string]string{},
		},
		Queue: QueueSettings{
			MaxRetries: GetInt(KeyQueueMaxRetries),
			BaseDelay:  GetDuration(KeyQueueBaseDelay),
			MaxDelay:   GetDuration(KeyQueueMaxDelay),
		},
		Processor: ProcessorSettings{
			Batch:       GetInt(KeyProcessorBatch),
			MaxPriority: GetInt(KeyProcessorMaxPriority),
			Workers:     GetInt(KeyProcessorWorkers),
			Immediate:   GetBool(KeyProcessorImmediate),
		},
		Reconcile: ReconcileSettings{
			Interval:        GetDuration(KeyReconcileInterval),
			PullConcurrency: GetInt(KeyReconcilePullConcurrency),
			PullPageSize:    GetInt(KeyReconcilePullPageSize),
			ReapEvery:       GetDuration(KeyReconcileReapEvery),
			LeaseTimeout:    GetDuration(KeyReconcileLeaseTimeout),
			CleanupEvery:    GetDuration(KeyReconcileCleanupEvery),
			Retention:       GetDuration(KeyReconcileRetention),
			FullScanEvery:   GetDuration(KeyReconcileFullScanEvery),
		},
		Lease: LeaseSettings{
			Kind:     strings.ToLower(GetString(KeyLeaseKind)),
			Path:     GetString(KeyLeasePath),
			RedisURL: GetString(KeyLeaseRedisURL),
			Key:      GetString(KeyLeaseKey),
			TTL:      GetDuration(KeyLeaseTTL),
		},
		Audit: AuditSettings{
			KafkaBrokers: GetStringSlice(KeyAuditKafkaBrokers),
			KafkaTopic:   GetString(KeyAuditKafkaTopic),
			KafkaTimeout: GetDuration(KeyAuditKafkaTimeout),
		},
		Classify: ClassifySettings{RulesPath: GetString(KeyClassifyRules)},
		Log: LogSettings{
			Level:      strings.ToLower(GetString(KeyLogLevel)),
			Format:     strings.ToLower(GetString(KeyLogFormat)),
			File:       GetString(KeyLogFile),
			MaxSizeMB:  GetInt(KeyLogMaxSizeMB),
			MaxBackups: GetInt(KeyLogMaxBackups),
			MaxAgeDays: GetInt(KeyLogMaxAgeDays),
		},
		Telemetry: TelemetrySettings{
			Enabled:  GetBool(KeyTelemetryEnabled),
			Stdout:   GetBool(KeyTelemetryStdout),
			Endpoint: GetString(KeyTelemetryEndpoint),
		},
		JSON: GetBool(KeyJSON),
	}

	if prefix, ok := trackerPrefixes[s.Tracker.Kind]; ok {
		for _, k := range Keys {
			if name, found := strings.CutPrefix(k.Key, prefix); found {
				s.Tracker.Options[name] = GetString(k.Key)
			}
		}
	}
	if s.Queue.MaxDelay < s.Queue.BaseDelay {
		return nil, fmt.Errorf("%s (%s) must not be below %s (%s)",
			KeyQueueMaxDelay, s.Queue.MaxDelay, KeyQueueBaseDelay, s.Queue.BaseDelay)
	}
	return s, nil
}

// Redacted returns the current settings as a flat key/value list with
// secrets masked, in key order.
func Redacted() [][2]string {
	out := make([][2]string, 0, len(Keys))
	for _, k := range Keys {
		val := GetString(k.Key)
		if k.Key == KeyAuditKafkaBrokers {
			val = strings.Join(GetStringSlice(k.Key), ",")
		}
		if k.Secret && val != "" {
			val = "********"
		}
		out = append(out, [2]string{k.Key, val})
	}
	return out
}
