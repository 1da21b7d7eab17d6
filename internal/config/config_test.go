package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize())
	assert.NotNil(t, v)
	assert.Empty(t, ConfigFileUsed())
}

func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize())

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{KeyDatabaseDriver, "sqlite", func(k string) interface{} { return GetString(k) }},
		{KeyGitLabURL, "https://gitlab.com", func(k string) interface{} { return GetString(k) }},
		{KeyQueueMaxRetries, 3, func(k string) interface{} { return GetInt(k) }},
		{KeyQueueBaseDelay, 60 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyQueueMaxDelay, 300 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyProcessorWorkers, 4, func(k string) interface{} { return GetInt(k) }},
		{KeyReconcileInterval, time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{KeyReconcileRetention, 30 * 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{KeyProcessorImmediate, false, func(k string) interface{} { return GetBool(k) }},
		{KeyLeaseKind, "file", func(k string) interface{} { return GetString(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.getter(tt.key))
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	t.Setenv("IB_PROCESSOR_WORKERS", "9")
	t.Setenv("IB_RECONCILE_INTERVAL", "30s")
	t.Setenv("IB_GITLAB_PROJECT_ID", "group/app")
	require.NoError(t, Initialize())

	assert.Equal(t, 9, GetInt(KeyProcessorWorkers))
	assert.Equal(t, 30*time.Second, GetDuration(KeyReconcileInterval))
	assert.Equal(t, "group/app", GetString(KeyGitLabProjectID))
}

func TestGitLabTokenFallback(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "from-gitlab-env")
	require.NoError(t, Initialize())
	assert.Equal(t, "from-gitlab-env", GetString(KeyGitLabToken))

	t.Setenv("IB_GITLAB_TOKEN", "from-ib-env")
	require.NoError(t, Initialize())
	assert.Equal(t, "from-ib-env", GetString(KeyGitLabToken), "IB_ variable takes precedence")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
database:
  driver: mysql
  dsn: "ib:secret@tcp(db:3306)/ib?parseTime=true"
gitlab:
  project_id: "42"
  progress_prefix: "进度"
queue:
  max_retries: 5
audit:
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
`)
	t.Chdir(dir)
	require.NoError(t, Initialize())

	assert.Equal(t, FileName+".yaml", filepath.Base(ConfigFileUsed()))
	assert.Equal(t, "mysql", GetString(KeyDatabaseDriver))
	assert.Equal(t, 5, GetInt(KeyQueueMaxRetries))
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, GetStringSlice(KeyAuditKafkaBrokers))
}

func TestExplicitFileMustExist(t *testing.T) {
	err := InitializeWithFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigPrecedence(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "processor:\n  batch: 20\n")
	require.NoError(t, InitializeWithFile(path))
	assert.Equal(t, 20, GetInt(KeyProcessorBatch))

	t.Setenv("IB_PROCESSOR_BATCH", "30")
	require.NoError(t, InitializeWithFile(path))
	assert.Equal(t, 30, GetInt(KeyProcessorBatch), "env should override config")

	Set(KeyProcessorBatch, 40)
	assert.Equal(t, 40, GetInt(KeyProcessorBatch), "Set should override env")
}

func TestGetStringSliceSplitsCommas(t *testing.T) {
	t.Setenv("IB_AUDIT_KAFKA_BROKERS", "a:9092, b:9092,,")
	require.NoError(t, Initialize())
	assert.Equal(t, []string{"a:9092", "b:9092"}, GetStringSlice(KeyAuditKafkaBrokers))
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
tracker:
  kind: GitLab
gitlab:
  token: glpat-123
  project_id: "7"
reconcile:
  full_scan_every: 0s
`)
	require.NoError(t, InitializeWithFile(path))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gitlab", s.Tracker.Kind)
	assert.Equal(t, "glpat-123", s.Tracker.Options["token"])
	assert.Equal(t, "7", s.Tracker.Options["project_id"])
	assert.Equal(t, "progress", s.Tracker.Options["progress_prefix"])
	assert.Equal(t, "https://gitlab.com", s.Tracker.Options["url"])
	assert.Equal(t, 3, s.Queue.MaxRetries)
	assert.Equal(t, 50, s.Processor.Batch)
	assert.Zero(t, s.Reconcile.FullScanEvery)
	assert.Equal(t, "file", s.Lease.Kind)
	assert.Empty(t, s.Audit.KafkaBrokers)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"driver", "database:\n  driver: postgres\n"},
		{"duration", "reconcile:\n  interval: soon\n"},
		{"workers", "processor:\n  workers: 0\n"},
		{"lease", "lease:\n  kind: etcd\n"},
		{"url", "gitlab:\n  url: gitlab.local\n"},
		{"delays", "queue:\n  base_delay: 10m\n  max_delay: 1m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, InitializeWithFile(writeConfig(t, t.TempDir(), tt.config)))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey(KeyLogLevel, "DEBUG"))
	assert.Error(t, ValidateKey(KeyLogLevel, "loud"))
	assert.ErrorContains(t, ValidateKey("gitlab.colour", "x"), "unknown config key")
	assert.Equal(t, "IB_GITLAB_TOKEN", LookupKey(KeyGitLabToken).EnvVar())
	assert.Equal(t, "IB_RECONCILE_PULL_PAGE_SIZE", LookupKey(KeyReconcilePullPageSize).EnvVar())
}

func TestAllKeysHaveDescriptions(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range Keys {
		assert.NotEmpty(t, k.Description, k.Key)
		assert.False(t, seen[k.Key], "duplicate key %s", k.Key)
		seen[k.Key] = true
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	t.Setenv("IB_GITLAB_TOKEN", "glpat-secret")
	require.NoError(t, Initialize())
	for _, kv := range Redacted() {
		if kv[0] == KeyGitLabToken {
			assert.Equal(t, "********", kv[1])
			return
		}
	}
	t.Fatal("gitlab.token missing from listing")
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "processor:\n  batch: 20\n")
	require.NoError(t, InitializeWithFile(path))

	var fired atomic.Int32
	Watch(func() { fired.Add(1) })
	require.NoError(t, os.WriteFile(path, []byte("processor:\n  batch: 25\n"), 0600))

	assert.Eventually(t, func() bool {
		return fired.Load() > 0 && GetInt(KeyProcessorBatch) == 25
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNilViperBehavior(t *testing.T) {
	ResetForTesting()
	defer func() { _ = Initialize() }()

	assert.Equal(t, "", GetString(KeyLogLevel))
	assert.False(t, GetBool(KeyJSON))
	assert.Zero(t, GetInt(KeyProcessorBatch))
	assert.Zero(t, GetDuration(KeyReconcileInterval))
	assert.Nil(t, GetStringSlice(KeyAuditKafkaBrokers))
	assert.Empty(t, AllSettings())
	Set("anything", 1)
	Watch(func() {})
	_, err := Load()
	assert.Error(t, err)
}
