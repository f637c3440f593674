// Copyright 2025 Ceramic Anchor Service
//
// Configuration loader. Loads YAML configuration with environment variable
// substitution.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a CAS worker (API or anchor).
type Config struct {
	Environment string `yaml:"environment"`

	Server   ServerSettings   `yaml:"server"`
	Database DatabaseSettings `yaml:"database"`
	IPFS     IPFSSettings     `yaml:"ipfs"`
	CARStore CARStoreSettings `yaml:"car_store"`
	Chain    ChainSettings    `yaml:"chain"`
	Anchor   AnchorSettings   `yaml:"anchor"`
	Queue    QueueSettings    `yaml:"queue"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseSettings configures the Postgres connection pool.
type DatabaseSettings struct {
	URL            string   `yaml:"url"`
	MaxOpenConns   int      `yaml:"max_open_conns"`
	MaxIdleConns   int      `yaml:"max_idle_conns"`
	ConnMaxIdle    Duration `yaml:"conn_max_idle"`
	ConnMaxLife    Duration `yaml:"conn_max_life"`
	AdvisoryLockKey int64   `yaml:"advisory_lock_key"`
}

// IPFSSettings configures the IPFS node RPC endpoint and retry/cache policy.
type IPFSSettings struct {
	APIURL            string   `yaml:"api_url"`
	PutTimeout        Duration `yaml:"put_timeout"`
	GetTimeout        Duration `yaml:"get_timeout"`
	GetRetries        int      `yaml:"get_retries"`
	CacheSize         int      `yaml:"cache_size"`
	PubSubTopic       string   `yaml:"pubsub_topic"`
	TipFreshnessWindow Duration `yaml:"tip_freshness_window"`
	ConcurrentGetLimit int      `yaml:"concurrent_get_limit"`
}

// CARStoreSettings configures the Merkle CAR backend.
type CARStoreSettings struct {
	Backend      string `yaml:"backend"` // "memory" or "s3"
	S3Bucket     string `yaml:"s3_bucket"`
	S3Prefix     string `yaml:"s3_prefix"`
	S3Region     string `yaml:"s3_region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	LRUCacheSize int    `yaml:"lru_cache_size"`
}

// ChainSettings configures the Ethereum RPC endpoint and signing key.
type ChainSettings struct {
	RPCURL             string   `yaml:"rpc_url"`
	ChainID            int64    `yaml:"chain_id"`
	PrivateKeyHex      string   `yaml:"private_key_hex"`
	AnchorContractAddr string   `yaml:"anchor_contract_address"`
	CallTimeout        Duration `yaml:"call_timeout"`
	MaxFeeBumpAttempts int      `yaml:"max_fee_bump_attempts"`
}

// AnchorSettings configures batching behavior.
type AnchorSettings struct {
	StreamLimit        int      `yaml:"stream_limit"`
	MinStreamCount     int      `yaml:"min_stream_count"`
	MaxAnchoringDelay  Duration `yaml:"max_anchoring_delay"`
	ProcessingTimeout  Duration `yaml:"processing_timeout"`
	FailureRetryWindow Duration `yaml:"failure_retry_window"`
	GCWindow           Duration `yaml:"gc_window"`
	MerkleDepthLimit   int      `yaml:"merkle_depth_limit"`
	SchedulerInterval  Duration `yaml:"scheduler_interval"`
	MutexRetryCount    int      `yaml:"mutex_retry_count"`
	MutexRetryDelay    Duration `yaml:"mutex_retry_delay"`
}

// QueueSettings configures the anchor-trigger event producer.
type QueueSettings struct {
	Kind       string `yaml:"kind"` // "webhook" or "sqs"
	WebhookURL string `yaml:"webhook_url"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
}

// Duration wraps time.Duration for YAML unmarshaling of strings like
// "30s" or "5m" rather than raw nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
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

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		fallback := ""
		if groups[2] != "" {
			fallback = groups[2][2:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return fallback
	})
}

// Load reads and parses a YAML config file, substituting ${VAR} and
// ${VAR:-default} environment variable references before unmarshaling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8081"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.AdvisoryLockKey == 0 {
		c.Database.AdvisoryLockKey = 0x43415300 // "CAS\0"
	}
	if c.IPFS.PutTimeout == 0 {
		c.IPFS.PutTimeout = Duration(30 * time.Second)
	}
	if c.IPFS.GetTimeout == 0 {
		c.IPFS.GetTimeout = Duration(10 * time.Second)
	}
	if c.IPFS.GetRetries == 0 {
		c.IPFS.GetRetries = 3
	}
	if c.IPFS.CacheSize == 0 {
		c.IPFS.CacheSize = 500
	}
	if c.IPFS.ConcurrentGetLimit == 0 {
		c.IPFS.ConcurrentGetLimit = 10
	}
	if c.IPFS.TipFreshnessWindow == 0 {
		c.IPFS.TipFreshnessWindow = Duration(24 * time.Hour)
	}
	if c.CARStore.Backend == "" {
		c.CARStore.Backend = "memory"
	}
	if c.CARStore.LRUCacheSize == 0 {
		c.CARStore.LRUCacheSize = 100
	}
	if c.Chain.CallTimeout == 0 {
		c.Chain.CallTimeout = Duration(60 * time.Second)
	}
	if c.Chain.MaxFeeBumpAttempts == 0 {
		c.Chain.MaxFeeBumpAttempts = 3
	}
	if c.Anchor.StreamLimit == 0 {
		c.Anchor.StreamLimit = 1024
	}
	if c.Anchor.MinStreamCount == 0 {
		c.Anchor.MinStreamCount = 1
	}
	if c.Anchor.MaxAnchoringDelay == 0 {
		c.Anchor.MaxAnchoringDelay = Duration(12 * time.Hour)
	}
	if c.Anchor.ProcessingTimeout == 0 {
		c.Anchor.ProcessingTimeout = Duration(3 * time.Hour)
	}
	if c.Anchor.FailureRetryWindow == 0 {
		c.Anchor.FailureRetryWindow = Duration(6 * time.Hour)
	}
	if c.Anchor.GCWindow == 0 {
		c.Anchor.GCWindow = Duration(30 * 24 * time.Hour)
	}
	if c.Anchor.MerkleDepthLimit == 0 {
		c.Anchor.MerkleDepthLimit = 24
	}
	if c.Anchor.SchedulerInterval == 0 {
		c.Anchor.SchedulerInterval = Duration(time.Minute)
	}
	if c.Anchor.MutexRetryCount == 0 {
		c.Anchor.MutexRetryCount = 5
	}
	if c.Anchor.MutexRetryDelay == 0 {
		c.Anchor.MutexRetryDelay = Duration(2 * time.Second)
	}
	if c.Queue.Kind == "" {
		c.Queue.Kind = "webhook"
	}
}

// Validate checks the configuration is complete enough to start a worker.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.IPFS.APIURL == "" {
		return fmt.Errorf("ipfs.api_url is required")
	}
	return nil
}
