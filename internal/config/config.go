package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Metadata      MetadataConfig      `yaml:"metadata"`
	BoardDefaults BoardDefaults       `yaml:"board_defaults"`
	Boards        []BoardConfig       `yaml:"boards"`
	Agents        AgentsConfig        `yaml:"agents"`
	Security      SecurityConfig      `yaml:"security"`
	Pruning       PruningConfig       `yaml:"pruning"`
	NATS          NATSConfig          `yaml:"nats"`
	Events        EventsConfig        `yaml:"events"`
	Archive       ArchiveConfig       `yaml:"archive"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

// BoardDefaults apply to every board that does not override them.
type BoardDefaults struct {
	MaxMessageLength    int      `yaml:"max_message_length"`
	MaxFileSize         ByteSize `yaml:"max_file_size"`
	ThreadsPerPage      int      `yaml:"threads_per_page"`
	BumpLimit           int      `yaml:"bump_limit"`
	MaxRepliesPerThread int      `yaml:"max_replies_per_thread"`
	MaxThreads          int      `yaml:"max_threads"`
	ThreadPruneDays     int      `yaml:"thread_prune_days"`
}

// BoardConfig declares one board. Zero-valued limits inherit BoardDefaults.
type BoardConfig struct {
	Dir                 string   `yaml:"dir"`
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	Locked              bool     `yaml:"locked"`
	MaxMessageLength    int      `yaml:"max_message_length"`
	MaxFileSize         ByteSize `yaml:"max_file_size"`
	ThreadsPerPage      int      `yaml:"threads_per_page"`
	BumpLimit           int      `yaml:"bump_limit"`
	MaxRepliesPerThread int      `yaml:"max_replies_per_thread"`
	MaxThreads          int      `yaml:"max_threads"`
	ThreadPruneDays     int      `yaml:"thread_prune_days"`
}

// Resolved returns a copy of bc with unset limits filled from d.
func (bc BoardConfig) Resolved(d BoardDefaults) BoardConfig {
	if bc.MaxMessageLength == 0 {
		bc.MaxMessageLength = d.MaxMessageLength
	}
	if bc.MaxFileSize == 0 {
		bc.MaxFileSize = d.MaxFileSize
	}
	if bc.ThreadsPerPage == 0 {
		bc.ThreadsPerPage = d.ThreadsPerPage
	}
	if bc.BumpLimit == 0 {
		bc.BumpLimit = d.BumpLimit
	}
	if bc.MaxRepliesPerThread == 0 {
		bc.MaxRepliesPerThread = d.MaxRepliesPerThread
	}
	if bc.MaxThreads == 0 {
		bc.MaxThreads = d.MaxThreads
	}
	if bc.ThreadPruneDays == 0 {
		bc.ThreadPruneDays = d.ThreadPruneDays
	}
	if bc.Name == "" {
		bc.Name = bc.Dir
	}
	return bc
}

type AgentsConfig struct {
	RateLimitHour int      `yaml:"rate_limit_hour"`
	RateLimitDay  int      `yaml:"rate_limit_day"`
	BytesLimitDay ByteSize `yaml:"bytes_limit_day"`
}

type SecurityConfig struct {
	IPRateLimitEnabled bool `yaml:"ip_rate_limit_enabled"`
	IPRateLimitRPM     int  `yaml:"ip_rate_limit_rpm"`
	TrustForwardedFor  bool `yaml:"trust_forwarded_for"`
}

type PruningConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Interval             Duration `yaml:"interval"`
	MaxDeletionsPerCycle int      `yaml:"max_deletions_per_cycle"`
	DeletionsPerSecond   float64  `yaml:"deletions_per_second"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ArchiveConfig points at an S3-compatible bucket receiving pruned threads.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	AdminToken    string              `yaml:"admin_token"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var boardDirPattern = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

func (c *Config) Validate() error {
	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	if len(c.Boards) == 0 {
		return fmt.Errorf("at least one board must be configured")
	}

	seen := make(map[string]bool, len(c.Boards))
	for i, bc := range c.Boards {
		if !boardDirPattern.MatchString(bc.Dir) {
			return fmt.Errorf("boards[%d].dir %q must be 1-16 lowercase letters or digits", i, bc.Dir)
		}
		if seen[bc.Dir] {
			return fmt.Errorf("boards[%d]: duplicate dir %q", i, bc.Dir)
		}
		seen[bc.Dir] = true

		r := bc.Resolved(c.BoardDefaults)
		if r.MaxMessageLength <= 0 {
			return fmt.Errorf("boards[%d] (%s): max_message_length must be > 0", i, bc.Dir)
		}
		if r.BumpLimit <= 0 {
			return fmt.Errorf("boards[%d] (%s): bump_limit must be > 0", i, bc.Dir)
		}
		if r.MaxRepliesPerThread < r.BumpLimit {
			return fmt.Errorf("boards[%d] (%s): max_replies_per_thread (%d) must be >= bump_limit (%d)",
				i, bc.Dir, r.MaxRepliesPerThread, r.BumpLimit)
		}
		if r.MaxThreads <= 0 {
			return fmt.Errorf("boards[%d] (%s): max_threads must be > 0", i, bc.Dir)
		}
		if r.ThreadPruneDays < 0 {
			return fmt.Errorf("boards[%d] (%s): thread_prune_days must be >= 0", i, bc.Dir)
		}
	}

	if c.Agents.RateLimitHour <= 0 || c.Agents.RateLimitDay <= 0 {
		return fmt.Errorf("agents.rate_limit_hour and agents.rate_limit_day must be > 0")
	}
	if c.Agents.BytesLimitDay <= 0 {
		return fmt.Errorf("agents.bytes_limit_day must be > 0")
	}

	if c.Security.IPRateLimitEnabled && c.Security.IPRateLimitRPM <= 0 {
		return fmt.Errorf("security.ip_rate_limit_rpm must be > 0 when the limiter is enabled")
	}

	if c.Pruning.Enabled {
		if c.Pruning.Interval <= 0 {
			return fmt.Errorf("pruning.interval must be > 0")
		}
		if c.Pruning.MaxDeletionsPerCycle <= 0 {
			return fmt.Errorf("pruning.max_deletions_per_cycle must be > 0")
		}
	}

	if (c.Events.Enabled || c.API.NATSResponder.Enabled) && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when events or the nats responder are enabled")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when the archive is enabled")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "4MB", "100MB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
