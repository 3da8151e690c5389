package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models wastesync.yml.
type Config struct {
	Kinds   map[string]KindConfig `yaml:"kinds"`
	Sweeper SweeperConfig         `yaml:"sweeper"`
	Feed    FeedConfig            `yaml:"feed"`
	RBAC    struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	NATS     NATSConfig      `yaml:"nats"`
	// MaxClockSkew is how far a writer's timestamp may run ahead of the
	// server clock. Zero means the engine default.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// KindConfig describes one workflow kind: its tables and status machine.
type KindConfig struct {
	Table            string   `yaml:"table"`
	ArchiveTable     string   `yaml:"archive_table"`
	StatusTable      string   `yaml:"status_table"`
	Statuses         []string `yaml:"statuses"`
	ResponseRequired []string `yaml:"response_required"`
	Deletable        bool     `yaml:"deletable"`
	Notify           bool     `yaml:"notify"`
	Message          string   `yaml:"message"`
}

type SweeperConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

type FeedConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Buffer       int           `yaml:"buffer"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Tables         []string `yaml:"tables"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reservedTables are owned by the engine and cannot back a kind.
var reservedTables = map[string]bool{
	"notifications":       true,
	"change_feed":         true,
	"pending_moves":       true,
	"notification_outbox": true,
	"sync_log":            true,
	"schema_version":      true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wsync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("config.kinds is required")
	}
	if c.MaxClockSkew < 0 {
		return fmt.Errorf("max_clock_skew must not be negative")
	}
	seen := map[string]string{}
	claim := func(kind, table string) error {
		if !tableName.MatchString(table) {
			return fmt.Errorf("kind %s has invalid table name %q", kind, table)
		}
		if reservedTables[table] {
			return fmt.Errorf("kind %s uses reserved table %s", kind, table)
		}
		if other, ok := seen[table]; ok {
			return fmt.Errorf("table %s claimed by both %s and %s", table, other, kind)
		}
		seen[table] = kind
		return nil
	}
	for _, name := range c.KindNames() {
		k := c.Kinds[name]
		if err := claim(name, k.Table); err != nil {
			return err
		}
		if err := claim(name, k.ArchiveTable); err != nil {
			return err
		}
		if !tableName.MatchString(k.StatusTable) || reservedTables[k.StatusTable] {
			return fmt.Errorf("kind %s has invalid status table %q", name, k.StatusTable)
		}
		if len(k.Statuses) < 2 {
			return fmt.Errorf("kind %s needs at least two statuses", name)
		}
		idx := map[string]bool{}
		for _, s := range k.Statuses {
			if s == "" {
				return fmt.Errorf("kind %s has empty status", name)
			}
			if idx[s] {
				return fmt.Errorf("kind %s repeats status %s", name, s)
			}
			idx[s] = true
		}
		for _, s := range k.ResponseRequired {
			if !idx[s] {
				return fmt.Errorf("kind %s requires response for unknown status %s", name, s)
			}
		}
	}
	// status tables may be shared between kinds but not with entity tables
	for _, name := range c.KindNames() {
		if owner, ok := seen[c.Kinds[name].StatusTable]; ok {
			return fmt.Errorf("status table %s of %s collides with a table of %s", c.Kinds[name].StatusTable, name, owner)
		}
	}
	if c.Sweeper.MaxAttempts <= 0 {
		return fmt.Errorf("config.sweeper.max_attempts must be positive")
	}
	if c.Sweeper.BackoffMultiplier < 1 {
		return fmt.Errorf("config.sweeper.backoff_multiplier must be >= 1")
	}
	if c.Feed.BatchSize <= 0 || c.Feed.Buffer <= 0 {
		return fmt.Errorf("config.feed.batch_size and config.feed.buffer must be positive")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// KindNames returns configured kinds in stable order.
func (c *Config) KindNames() []string {
	names := make([]string, 0, len(c.Kinds))
	for name := range c.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the named kind config.
func (c *Config) Kind(name string) (KindConfig, bool) {
	k, ok := c.Kinds[name]
	return k, ok
}

// KindForTable resolves a kind from either of its entity tables.
func (c *Config) KindForTable(table string) (string, bool) {
	for _, name := range c.KindNames() {
		k := c.Kinds[name]
		if k.Table == table || k.ArchiveTable == table {
			return name, true
		}
	}
	return "", false
}

// Tables lists every table that emits change events.
func (c *Config) Tables() []string {
	var out []string
	for _, name := range c.KindNames() {
		k := c.Kinds[name]
		out = append(out, k.Table, k.ArchiveTable)
	}
	statusSeen := map[string]bool{}
	for _, name := range c.KindNames() {
		st := c.Kinds[name].StatusTable
		if !statusSeen[st] {
			statusSeen[st] = true
			out = append(out, st)
		}
	}
	return append(out, "notifications")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wastesync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `kinds:
  report:
    table: reports
    archive_table: archive
    status_table: report_status
    statuses: [Pending, InProgress, Resolved]
    response_required: [Resolved]
    notify: true
    message: "Your {{kind}} is now {{status}}"
  schedule:
    table: schedules
    archive_table: archived_schedules
    status_table: status_events
    statuses: [NotStarted, Ongoing, Completed]
    notify: true
    message: "Collection {{kind}} is {{status}}"
  feedback:
    table: general_feedback
    archive_table: archived_feedback
    status_table: status_events
    statuses: [Submitted, Reviewed, Closed]
    deletable: true
    notify: true
    message: "Your {{kind}} was {{status}}"
  sms:
    table: sms_messages
    archive_table: sms_archive
    status_table: status_events
    statuses: [Queued, Sent, Delivered]
    deletable: true
  education:
    table: educational_contents
    archive_table: archived_education
    status_table: status_events
    statuses: [Draft, Published]

sweeper:
  interval: 10s
  max_attempts: 5
  backoff_base: 1s
  backoff_multiplier: 2
  max_backoff: 1m

max_clock_skew: 30s

feed:
  poll_interval: 500ms
  batch_size: 200
  buffer: 256

rbac:
  roles:
    resident:
      description: "Creates reports and feedback, reads own notifications"
      permissions: [item.create, item.read, notification.read, feed.subscribe]
    collector:
      description: "Runs collection schedules"
      permissions: [item.create, item.read, item.transition, item.archive, notification.read, feed.subscribe]
    official:
      description: "Manages every workflow"
      permissions: [item.create, item.read, item.transition, item.transition.force, item.archive, item.restore, item.purge, notification.publish, notification.read, feed.subscribe, feed.subscribe.all, sync.warnings.read]
`
