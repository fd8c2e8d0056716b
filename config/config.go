/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"

	DEFAULT_MAX_ATTEMPTS              = 5
	DEFAULT_BASE_BACKOFF_SECONDS      = 30
	DEFAULT_STALE_SENT_AFTER_SECONDS  = 300
	DEFAULT_WORKER_BATCH_SIZE         = 50
	DEFAULT_POLL_INTERVAL_SECONDS     = 10
	DEFAULT_WORKER_CONCURRENCY        = 2
	DEFAULT_PROVIDER_TIMEOUT_SECONDS  = 30
	DEFAULT_RECONCILE_INTERVAL_MIN    = 15
	DEFAULT_RECONCILE_STALE_MINUTES   = 30
	DEFAULT_RECONCILE_LOOKBACK_HOURS  = 24
	DEFAULT_RECONCILE_BATCH_SIZE      = 500
	DEFAULT_RECONCILE_LOCK_TTL_SECOND = 600
	DEFAULT_NOTIFICATION_QUEUE        = "payout_notifications"
	DEFAULT_MONITORING_PORT           = "5005"
	DEFAULT_EVENTS_SUBJECT            = "payouts.status"
	DEFAULT_CASHOUT_DESTINATION       = "@MobileMoneyCashOut"
	DEFAULT_PROVIDERS_FILE            = "providers.yaml"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool     `json:"ssl" envconfig:"PAYOUTS_SERVER_SSL"`
	Secure    bool     `json:"secure" envconfig:"PAYOUTS_SERVER_SECURE"`
	SecretKey string   `json:"secret_key" envconfig:"PAYOUTS_SERVER_SECRET_KEY"`
	Domain    string   `json:"domain" envconfig:"PAYOUTS_SERVER_SSL_DOMAIN"`
	Email     string   `json:"ssl_email" envconfig:"PAYOUTS_SERVER_SSL_EMAIL"`
	Port      string   `json:"port" envconfig:"PAYOUTS_SERVER_PORT"`
	// APIKeys are scoped operator keys, e.g. a read-only key for dashboards.
	APIKeys   []APIKey `json:"api_keys"`
}

type APIKey struct {
	Name   string   `json:"name"`
	Key    string   `json:"key"`
	Scopes []string `json:"scopes"`
}

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"PAYOUTS_DATA_SOURCE_DNS"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"PAYOUTS_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"PAYOUTS_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"PAYOUTS_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"PAYOUTS_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PAYOUTS_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PAYOUTS_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerConfig points at the ledger the reconciler reads from. When BaseURL is
// set the ledger's HTTP API is used, otherwise its database is read directly.
// When Dns is empty the payouts data source is used.
type LedgerConfig struct {
	Dns                string `json:"dns" envconfig:"PAYOUTS_LEDGER_DNS"`
	BaseURL            string `json:"base_url" envconfig:"PAYOUTS_LEDGER_BASE_URL"`
	APIKey             string `json:"api_key" envconfig:"PAYOUTS_LEDGER_API_KEY"`
	CashoutDestination string `json:"cashout_destination" envconfig:"PAYOUTS_LEDGER_CASHOUT_DESTINATION"`
	CacheTTLSeconds    int    `json:"cache_ttl_seconds" envconfig:"PAYOUTS_LEDGER_CACHE_TTL_SECONDS"`
}

type ProvidersConfig struct {
	ConfigFile string `json:"config_file" envconfig:"PAYOUTS_PROVIDERS_FILE"`
}

type WorkerConfig struct {
	MaxAttempts            int `json:"max_attempts" envconfig:"PAYOUTS_WORKER_MAX_ATTEMPTS"`
	BaseBackoffSeconds     int `json:"base_backoff_seconds" envconfig:"PAYOUTS_WORKER_BASE_BACKOFF_SECONDS"`
	StaleSentAfterSeconds  int `json:"stale_sent_after_seconds" envconfig:"PAYOUTS_WORKER_STALE_SENT_AFTER_SECONDS"`
	BatchSize              int `json:"batch_size" envconfig:"PAYOUTS_WORKER_BATCH_SIZE"`
	PollIntervalSeconds    int `json:"poll_interval_seconds" envconfig:"PAYOUTS_WORKER_POLL_INTERVAL_SECONDS"`
	Concurrency            int `json:"concurrency" envconfig:"PAYOUTS_WORKER_CONCURRENCY"`
	ProviderTimeoutSeconds int `json:"provider_timeout_seconds" envconfig:"PAYOUTS_WORKER_PROVIDER_TIMEOUT_SECONDS"`

	// ListenNotify wakes the worker on postgres notifications for new PENDING payouts.
	ListenNotify bool `json:"listen_notify" envconfig:"PAYOUTS_WORKER_LISTEN_NOTIFY"`
}

func (l LedgerConfig) CacheTTL() time.Duration {
	return time.Duration(l.CacheTTLSeconds) * time.Second
}

func (w WorkerConfig) BaseBackoff() time.Duration {
	return time.Duration(w.BaseBackoffSeconds) * time.Second
}

func (w WorkerConfig) StaleSentAfter() time.Duration {
	return time.Duration(w.StaleSentAfterSeconds) * time.Second
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (w WorkerConfig) ProviderTimeout() time.Duration {
	return time.Duration(w.ProviderTimeoutSeconds) * time.Second
}

type ReconciliationConfig struct {
	IntervalMinutes       int `json:"interval_minutes" envconfig:"PAYOUTS_RECONCILIATION_INTERVAL_MINUTES"`
	StaleThresholdMinutes int `json:"stale_threshold_minutes" envconfig:"PAYOUTS_RECONCILIATION_STALE_THRESHOLD_MINUTES"`
	LookbackHours         int `json:"lookback_hours" envconfig:"PAYOUTS_RECONCILIATION_LOOKBACK_HOURS"`
	BatchSize             int `json:"batch_size" envconfig:"PAYOUTS_RECONCILIATION_BATCH_SIZE"`
	LockTTLSeconds        int `json:"lock_ttl_seconds" envconfig:"PAYOUTS_RECONCILIATION_LOCK_TTL_SECONDS"`
}

func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

func (r ReconciliationConfig) StaleThreshold() time.Duration {
	return time.Duration(r.StaleThresholdMinutes) * time.Minute
}

func (r ReconciliationConfig) Lookback() time.Duration {
	return time.Duration(r.LookbackHours) * time.Hour
}

func (r ReconciliationConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PAYOUTS_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PAYOUTS_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PAYOUTS_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"PAYOUTS_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack          SlackWebhook `json:"slack"`
	Queue          string       `json:"queue" envconfig:"PAYOUTS_NOTIFICATION_QUEUE"`
	MonitoringPort string       `json:"monitoring_port" envconfig:"PAYOUTS_NOTIFICATION_MONITORING_PORT"`
	Webhook        struct {
		Url     string            `json:"url" envconfig:"PAYOUTS_NOTIFICATION_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

// EventsConfig configures the NATS subject payout status changes are published on.
type EventsConfig struct {
	NatsURL string `json:"nats_url" envconfig:"PAYOUTS_EVENTS_NATS_URL"`
	Subject string `json:"subject" envconfig:"PAYOUTS_EVENTS_SUBJECT"`
}

type ArchiveConfig struct {
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"PAYOUTS_ARCHIVE_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"PAYOUTS_ARCHIVE_AWS_SECRET_ACCESS_KEY"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"PAYOUTS_ARCHIVE_S3_ENDPOINT"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"PAYOUTS_ARCHIVE_S3_BUCKET_NAME"`
	S3Region           string `json:"s3_region" envconfig:"PAYOUTS_ARCHIVE_S3_REGION"`
	Prefix             string `json:"prefix" envconfig:"PAYOUTS_ARCHIVE_PREFIX"`
}

func (a ArchiveConfig) Enabled() bool {
	return a.S3BucketName != ""
}

type OtelGrafanaCloud struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName      string               `json:"project_name" envconfig:"PAYOUTS_PROJECT_NAME"`
	EnableTelemetry  bool                 `json:"enable_telemetry" envconfig:"PAYOUTS_ENABLE_TELEMETRY"`
	Server           ServerConfig         `json:"server"`
	DataSource       DataSourceConfig     `json:"data_source"`
	Redis            RedisConfig          `json:"redis"`
	Ledger           LedgerConfig         `json:"ledger"`
	Providers        ProvidersConfig      `json:"providers"`
	Worker           WorkerConfig         `json:"worker"`
	Reconciliation   ReconciliationConfig `json:"reconciliation"`
	Notification     Notification         `json:"notification"`
	Events           EventsConfig         `json:"events"`
	Archive          ArchiveConfig        `json:"archive"`
	RateLimit        RateLimitConfig      `json:"rate_limit"`
	OtelGrafanaCloud OtelGrafanaCloud     `json:"otel_grafana_cloud"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// a local .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	// override config from environment variables
	err = envconfig.Process("payouts", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called payouts.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Payouts Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Ledger.Dns = strings.TrimSpace(cnf.Ledger.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = 25
	}
	if cnf.DataSource.MaxIdleConns <= 0 {
		cnf.DataSource.MaxIdleConns = 10
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = 30 * time.Minute
	}
	if cnf.DataSource.ConnMaxIdleTime <= 0 {
		cnf.DataSource.ConnMaxIdleTime = 5 * time.Minute
	}

	if cnf.Ledger.Dns == "" {
		cnf.Ledger.Dns = cnf.DataSource.Dns
	}
	if cnf.Ledger.CashoutDestination == "" {
		cnf.Ledger.CashoutDestination = DEFAULT_CASHOUT_DESTINATION
	}
	if cnf.Ledger.CacheTTLSeconds <= 0 {
		cnf.Ledger.CacheTTLSeconds = 600
	}
	if cnf.Providers.ConfigFile == "" {
		cnf.Providers.ConfigFile = DEFAULT_PROVIDERS_FILE
	}

	cnf.Worker.applyDefaults()
	cnf.Reconciliation.applyDefaults()

	if cnf.Notification.Queue == "" {
		cnf.Notification.Queue = DEFAULT_NOTIFICATION_QUEUE
	}
	if cnf.Notification.MonitoringPort == "" {
		cnf.Notification.MonitoringPort = DEFAULT_MONITORING_PORT
	}
	if cnf.Events.Subject == "" {
		cnf.Events.Subject = DEFAULT_EVENTS_SUBJECT
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (w *WorkerConfig) applyDefaults() {
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if w.BaseBackoffSeconds <= 0 {
		w.BaseBackoffSeconds = DEFAULT_BASE_BACKOFF_SECONDS
	}
	if w.StaleSentAfterSeconds <= 0 {
		w.StaleSentAfterSeconds = DEFAULT_STALE_SENT_AFTER_SECONDS
	}
	if w.BatchSize <= 0 {
		w.BatchSize = DEFAULT_WORKER_BATCH_SIZE
	}
	if w.PollIntervalSeconds <= 0 {
		w.PollIntervalSeconds = DEFAULT_POLL_INTERVAL_SECONDS
	}
	if w.Concurrency <= 0 {
		w.Concurrency = DEFAULT_WORKER_CONCURRENCY
	}
	if w.ProviderTimeoutSeconds <= 0 {
		w.ProviderTimeoutSeconds = DEFAULT_PROVIDER_TIMEOUT_SECONDS
	}
}

func (r *ReconciliationConfig) applyDefaults() {
	if r.IntervalMinutes <= 0 {
		r.IntervalMinutes = DEFAULT_RECONCILE_INTERVAL_MIN
	}
	if r.StaleThresholdMinutes <= 0 {
		r.StaleThresholdMinutes = DEFAULT_RECONCILE_STALE_MINUTES
	}
	if r.LookbackHours <= 0 {
		r.LookbackHours = DEFAULT_RECONCILE_LOOKBACK_HOURS
	}
	if r.BatchSize <= 0 {
		r.BatchSize = DEFAULT_RECONCILE_BATCH_SIZE
	}
	if r.LockTTLSeconds <= 0 {
		r.LockTTLSeconds = DEFAULT_RECONCILE_LOCK_TTL_SECOND
	}
}

// SetGrafanaExporterEnvs exports the OTLP settings so the exporter picks them up.
func SetGrafanaExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.OtelGrafanaCloud.OtelExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.OtelGrafanaCloud.OtelExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.OtelGrafanaCloud.OtelExporterOtlpHeaders,
	}
	for key, value := range envs {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Redacted returns a copy safe to print: keys and secrets are masked and
// passwords are stripped from connection strings.
func (c Configuration) Redacted() Configuration {
	out := c
	out.Server.SecretKey = mask(c.Server.SecretKey)
	out.Server.APIKeys = make([]APIKey, len(c.Server.APIKeys))
	for i, k := range c.Server.APIKeys {
		k.Key = mask(k.Key)
		out.Server.APIKeys[i] = k
	}
	out.DataSource.Dns = redactDSN(c.DataSource.Dns)
	out.Redis.Dns = redactDSN(c.Redis.Dns)
	out.Ledger.Dns = redactDSN(c.Ledger.Dns)
	out.Ledger.APIKey = mask(c.Ledger.APIKey)
	out.Archive.AwsSecretAccessKey = mask(c.Archive.AwsSecretAccessKey)
	out.Notification.Slack.WebhookUrl = mask(c.Notification.Slack.WebhookUrl)
	out.OtelGrafanaCloud.OtelExporterOtlpHeaders = mask(c.OtelGrafanaCloud.OtelExporterOtlpHeaders)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
