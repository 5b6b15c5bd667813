// Package config provides configuration loading and management for the
// calendar mirror service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// SchedulerTypeQueue schedules renewals through a remote task queue
	SchedulerTypeQueue = "queue"

	// SchedulerTypeTimer schedules renewals with in-process timers
	SchedulerTypeTimer = "timer"
)

// Environment variables consulted when the corresponding file-based secret
// is not configured.
const (
	ProviderTokenEnv = "CALMIRROR_PROVIDER_TOKEN" //nolint:gosec // env var name
	CallbackTokenEnv = "CALMIRROR_CALLBACK_TOKEN" //nolint:gosec // env var name
	QueueTokenEnv    = "CALMIRROR_QUEUE_TOKEN"    //nolint:gosec // env var name
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Calendars    CalendarsConfig     `yaml:"calendars"`
	Provider     ProviderConfig      `yaml:"provider"`
	Storage      StorageConfig       `yaml:"storage"`
	Lock         *LockConfig         `yaml:"lock,omitempty"`
	Subscription *SubscriptionConfig `yaml:"subscription,omitempty"`
	Scheduler    *SchedulerConfig    `yaml:"scheduler,omitempty"`
	Sync         *SyncConfig         `yaml:"sync,omitempty"`
	Obfuscation  *ObfuscationConfig  `yaml:"obfuscation,omitempty"`
	Server       *ServerConfig       `yaml:"server,omitempty"`
}

// CalendarsConfig names the source and target calendars
type CalendarsConfig struct {
	// Source is the calendar events are mirrored from
	Source string `yaml:"source"`

	// Target is the calendar mirrored events are written to
	Target string `yaml:"target"`

	// AllowSame permits source and target to be the same calendar.
	// Only useful for local testing
	AllowSame bool `yaml:"allowSame,omitempty"`
}

// ProviderConfig defines the calendar provider API settings
type ProviderConfig struct {
	// Endpoint is the base URL of the calendar API
	Endpoint string `yaml:"endpoint"`

	// TokenFile is the path to a file containing the API access token.
	// This is the recommended approach for production deployments
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// StorageConfig defines where the shared sync state lives
type StorageConfig struct {
	S3 *S3Config `yaml:"s3,omitempty"`

	// Memory enables the in-memory backend. State does not survive a
	// restart; only useful for tests and local runs
	Memory bool `yaml:"memory,omitempty"`
}

// S3Config defines S3-compatible object storage settings
type S3Config struct {
	// Bucket is the bucket holding the lock and state objects
	Bucket string `yaml:"bucket"`

	// Region is the bucket region
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the S3 endpoint, for S3-compatible stores
	Endpoint string `yaml:"endpoint,omitempty"`

	// Prefix is prepended to every object key
	Prefix string `yaml:"prefix,omitempty"`
}

// LockConfig defines the sync lock settings
type LockConfig struct {
	// TTL is how long a crashed holder can block the lock (e.g. "5m")
	TTL string `yaml:"ttl,omitempty"`
}

// SubscriptionConfig defines notification channel settings
type SubscriptionConfig struct {
	// CallbackURL is the public HTTPS endpoint notifications are
	// delivered to
	CallbackURL string `yaml:"callbackUrl"`

	// CallbackTokenFile is the path to a file containing the shared
	// secret echoed back on every delivery
	CallbackTokenFile string `yaml:"callbackTokenFile,omitempty"`

	// ChannelTTL requests a channel lifetime (e.g. "168h"); empty lets
	// the provider pick its maximum
	ChannelTTL string `yaml:"channelTtl,omitempty"`

	// RenewalMargin is how long before expiry the renewal fires (e.g. "1h")
	RenewalMargin string `yaml:"renewalMargin,omitempty"`

	// OneShot leaves the channel to expire without scheduling a renewal.
	// Useful when testing a callback endpoint
	OneShot bool `yaml:"oneShot,omitempty"`
}

// SchedulerConfig defines how renewal tasks are scheduled
type SchedulerConfig struct {
	// Queue configures a remote task queue (mutually exclusive with Timer)
	Queue *QueueConfig `yaml:"queue,omitempty"`

	// Timer enables in-process timers. Tasks do not survive a restart
	Timer bool `yaml:"timer,omitempty"`
}

// QueueConfig defines remote task-queue settings
type QueueConfig struct {
	// Endpoint is the base URL of the task-queue service
	Endpoint string `yaml:"endpoint"`

	// CallbackURL is where the queue delivers due tasks
	CallbackURL string `yaml:"callbackUrl"`

	// TokenFile is the path to a file containing the queue bearer token
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// SyncConfig defines sync run settings
type SyncConfig struct {
	// Window bounds full fetches to events ending after now minus this
	// duration (e.g. "24h"). Empty means unbounded
	Window string `yaml:"window,omitempty"`

	// Interval enables periodic fallback syncs at this cadence
	// (e.g. "30m"). Empty disables them; push notifications still drive
	// the mirror
	Interval string `yaml:"interval,omitempty"`
}

// ObfuscationConfig defines how mirrored events are sanitized
type ObfuscationConfig struct {
	// Title is the placeholder summary on mirrored events
	Title string `yaml:"title,omitempty"`

	// Description is the placeholder description on mirrored events
	Description string `yaml:"description,omitempty"`

	// CopyRecurrence carries recurrence rules over to the mirror
	CopyRecurrence *bool `yaml:"copyRecurrence,omitempty"`

	// CopyLocation carries the location over to the mirror
	CopyLocation bool `yaml:"copyLocation,omitempty"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	// Address is the listen address (e.g. ":8080")
	Address string `yaml:"address,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Calendars.Source == "" {
		return fmt.Errorf("calendars.source is required")
	}
	if c.Calendars.Target == "" {
		return fmt.Errorf("calendars.target is required")
	}
	if c.Calendars.Source == c.Calendars.Target && !c.Calendars.AllowSame {
		return fmt.Errorf("calendars.source and calendars.target must differ (set allowSame to override)")
	}

	if c.Provider.Endpoint == "" {
		return fmt.Errorf("provider.endpoint is required")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}

	for field, value := range map[string]string{
		"lock.ttl":                   c.lockTTLString(),
		"subscription.channelTtl":    c.channelTTLString(),
		"subscription.renewalMargin": c.renewalMarginString(),
		"sync.window":                c.syncWindowString(),
		"sync.interval":              c.syncIntervalString(),
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g. '30m', '1h'): %w", field, err)
		}
	}

	return nil
}

// validateStorage ensures exactly one storage backend is configured
func (c *Config) validateStorage() error {
	count := 0
	if c.Storage.S3 != nil {
		count++
	}
	if c.Storage.Memory {
		count++
	}

	if count == 0 {
		return fmt.Errorf("storage: one of s3 or memory must be configured")
	}
	if count > 1 {
		return fmt.Errorf("storage: only one of s3 or memory may be configured")
	}

	if c.Storage.S3 != nil && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}
	return nil
}

// validateScheduler validates the scheduler configuration
func (c *Config) validateScheduler() error {
	if c.Scheduler == nil {
		return nil
	}

	if c.Scheduler.Queue != nil && c.Scheduler.Timer {
		return fmt.Errorf("scheduler: only one of queue or timer may be configured")
	}
	if c.Scheduler.Queue != nil {
		if c.Scheduler.Queue.Endpoint == "" {
			return fmt.Errorf("scheduler.queue.endpoint is required")
		}
		if c.Scheduler.Queue.CallbackURL == "" {
			return fmt.Errorf("scheduler.queue.callbackUrl is required")
		}
	}
	return nil
}

// SchedulerType returns the inferred scheduler type, defaulting to timer
func (c *Config) SchedulerType() string {
	if c.Scheduler != nil && c.Scheduler.Queue != nil {
		return SchedulerTypeQueue
	}
	return SchedulerTypeTimer
}

// LockTTL returns the parsed lock TTL, or zero for the default
func (c *Config) LockTTL() time.Duration {
	return parseDuration(c.lockTTLString())
}

// ChannelTTL returns the parsed channel TTL, or zero to let the provider
// pick its maximum
func (c *Config) ChannelTTL() time.Duration {
	return parseDuration(c.channelTTLString())
}

// RenewalMargin returns the parsed renewal margin, or zero for the default
func (c *Config) RenewalMargin() time.Duration {
	return parseDuration(c.renewalMarginString())
}

// SubscriptionOneShot reports whether opened channels should be left to
// expire without a renewal task
func (c *Config) SubscriptionOneShot() bool {
	return c.Subscription != nil && c.Subscription.OneShot
}

// SyncWindow returns the parsed sync window, or zero for unbounded
func (c *Config) SyncWindow() time.Duration {
	return parseDuration(c.syncWindowString())
}

// SyncInterval returns the parsed periodic sync interval, or zero when
// periodic syncs are disabled
func (c *Config) SyncInterval() time.Duration {
	return parseDuration(c.syncIntervalString())
}

// ServerAddress returns the listen address, using ":8080" if not specified
func (c *Config) ServerAddress() string {
	if c.Server == nil || c.Server.Address == "" {
		return ":8080"
	}
	return c.Server.Address
}

// GetProviderToken returns the calendar API token using the following
// priority:
// 1. Read from provider.tokenFile if specified
// 2. Read from the CALMIRROR_PROVIDER_TOKEN environment variable
//
// The token from file will have leading/trailing whitespace trimmed.
func (c *Config) GetProviderToken() (string, error) {
	return secretFromFileOrEnv(c.Provider.TokenFile, ProviderTokenEnv, "provider token")
}

// GetCallbackToken returns the webhook shared secret, from
// subscription.callbackTokenFile or the CALMIRROR_CALLBACK_TOKEN
// environment variable.
func (c *Config) GetCallbackToken() (string, error) {
	var file string
	if c.Subscription != nil {
		file = c.Subscription.CallbackTokenFile
	}
	return secretFromFileOrEnv(file, CallbackTokenEnv, "callback token")
}

// GetQueueToken returns the task-queue bearer token, from
// scheduler.queue.tokenFile or the CALMIRROR_QUEUE_TOKEN environment
// variable. An empty result is allowed: the queue may not require auth.
func (c *Config) GetQueueToken() (string, error) {
	var file string
	if c.Scheduler != nil && c.Scheduler.Queue != nil {
		file = c.Scheduler.Queue.TokenFile
	}
	token, err := secretFromFileOrEnv(file, QueueTokenEnv, "queue token")
	if err != nil && file == "" {
		return "", nil
	}
	return token, err
}

func secretFromFileOrEnv(file, envVar, what string) (string, error) {
	if file != "" {
		// Use filepath.Clean to prevent path traversal attacks
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return "", fmt.Errorf("failed to read %s from file %s: %w", what, file, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if env := os.Getenv(envVar); env != "" {
		return env, nil
	}

	return "", fmt.Errorf("no %s configured: set the file path or the %s environment variable", what, envVar)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	// Validation already proved the string parses.
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) lockTTLString() string {
	if c.Lock == nil {
		return ""
	}
	return c.Lock.TTL
}

func (c *Config) channelTTLString() string {
	if c.Subscription == nil {
		return ""
	}
	return c.Subscription.ChannelTTL
}

func (c *Config) renewalMarginString() string {
	if c.Subscription == nil {
		return ""
	}
	return c.Subscription.RenewalMargin
}

func (c *Config) syncWindowString() string {
	if c.Sync == nil {
		return ""
	}
	return c.Sync.Window
}

func (c *Config) syncIntervalString() string {
	if c.Sync == nil {
		return ""
	}
	return c.Sync.Interval
}
