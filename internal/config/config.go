package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"workload-launcher-go/internal/models"
)

const (
	TransportRedis = "redis"
	TransportNATS  = "nats"
)

// Capabilities enumerates the optional collaborators that are enabled.
// Disabled ones are wired with no-op implementations.
type Capabilities struct {
	Metrics     bool
	StatusStore bool
	AdminAPI    bool
	Reaper      bool
	// MutexLock serialises launches of a mutex key across replicas through Redis.
	MutexLock bool
}

// Config holds all application configuration
type Config struct {
	// Logging configuration
	LogLevel  string
	LogFormat string

	// Kubernetes configuration
	K8sNamespace      string
	K8sInCluster      bool
	K8sKubeConfigPath string
	ServiceAccount    string

	// Redis configuration
	RedisURL         string
	RedisPoolSize    int
	RedisMinIdleConn int
	RedisMaxRetries  int
	RedisDialTimeout time.Duration

	// Inbound transport
	QueueTransport string
	QueueName      string
	NATSURL        string

	// Identity of this launcher instance
	PodName     string
	DataplaneID string

	// Launch pipeline
	WorkerCount             int
	OrchestratorImage       string
	OrchestratorInitTimeout time.Duration
	FullPodTimeout          time.Duration
	TimeoutSlack            time.Duration
	PodPollInterval         time.Duration
	MutexLockTTL            time.Duration

	// Resource defaults and node selector policy, usually from the overlay file
	Resources          map[models.PodRole]models.ResourceRequirements
	NodeSelectors      map[string]string
	CheckNodeSelectors map[string]string

	Capabilities Capabilities

	// Admin HTTP server
	HTTPPort string
	HTTPHost string

	// Reaper
	ReaperInterval    time.Duration
	ReaperTerminalTTL time.Duration
	ReaperStuckTTL    time.Duration

	// Leader election for the reaper
	LeaderElectionEnabled       bool
	LeaderElectionLockName      string
	LeaderElectionNamespace     string
	LeaderElectionDuration      time.Duration
	LeaderElectionRenewDeadline time.Duration
	LeaderElectionRetryPeriod   time.Duration

	ShutdownTimeout time.Duration
	ConfigFile      string
}

// Overlay is the YAML file layered on top of the environment.
type Overlay struct {
	OrchestratorImage  string                                         `yaml:"orchestrator_image"`
	Resources          map[models.PodRole]models.ResourceRequirements `yaml:"resources"`
	NodeSelectors      map[string]string                              `yaml:"node_selectors"`
	CheckNodeSelectors map[string]string                              `yaml:"check_node_selectors"`
}

// Load loads configuration from environment variables and the optional
// overlay file named by LAUNCHER_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFile(getEnv("LAUNCHER_CONFIG_FILE", ""))
}

// LoadFile is Load with an explicit overlay path; an empty path skips the overlay.
func LoadFile(path string) (*Config, error) {
	hostname, _ := os.Hostname()
	podName := getEnv("POD_NAME", hostname)

	cfg := &Config{
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
		K8sNamespace:            getEnv("K8S_NAMESPACE", "default"),
		K8sInCluster:            getEnvBool("K8S_IN_CLUSTER", false),
		K8sKubeConfigPath:       getEnv("K8S_KUBECONFIG_PATH", ""),
		ServiceAccount:          getEnv("K8S_SERVICE_ACCOUNT", ""),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:           getEnvInt("REDIS_POOL_SIZE", 20),
		RedisMinIdleConn:        getEnvInt("REDIS_MIN_IDLE_CONN", 2),
		RedisMaxRetries:         getEnvInt("REDIS_MAX_RETRIES", 3),
		RedisDialTimeout:        getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		QueueTransport:          getEnv("QUEUE_TRANSPORT", TransportRedis),
		QueueName:               getEnv("QUEUE_NAME", "launches"),
		NATSURL:                 getEnv("NATS_URL", "nats://localhost:4222"),
		PodName:                 podName,
		DataplaneID:             getEnv("DATAPLANE_ID", "default"),
		WorkerCount:             getEnvInt("WORKER_COUNT", 8),
		OrchestratorImage:       getEnv("ORCHESTRATOR_IMAGE", ""),
		OrchestratorInitTimeout: getEnvDuration("ORCHESTRATOR_INIT_TIMEOUT", 5*time.Minute),
		FullPodTimeout:          getEnvDuration("FULL_POD_TIMEOUT", 7*time.Minute),
		TimeoutSlack:            getEnvDuration("TIMEOUT_SLACK", 5*time.Second),
		PodPollInterval:         getEnvDuration("POD_POLL_INTERVAL", time.Second),
		Capabilities: Capabilities{
			Metrics:     getEnvBool("METRICS_ENABLED", true),
			StatusStore: getEnvBool("STATUS_STORE_ENABLED", true),
			AdminAPI:    getEnvBool("ADMIN_API_ENABLED", true),
			Reaper:      getEnvBool("REAPER_ENABLED", true),
			MutexLock:   getEnvBool("MUTEX_LOCK_ENABLED", true),
		},
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		HTTPHost:          getEnv("HTTP_HOST", "0.0.0.0"),
		ReaperInterval:    getEnvDuration("REAPER_INTERVAL", time.Minute),
		ReaperTerminalTTL: getEnvDuration("REAPER_TERMINAL_TTL", 30*time.Minute),
		ReaperStuckTTL:    getEnvDuration("REAPER_STUCK_TTL", 15*time.Minute),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		ConfigFile:        path,

		LeaderElectionEnabled:       getEnvBool("LEADER_ELECTION_ENABLED", true),
		LeaderElectionLockName:      getEnv("LEADER_ELECTION_LOCK_NAME", "workload-launcher-reaper"),
		LeaderElectionDuration:      getEnvDuration("LEADER_ELECTION_DURATION", 15*time.Second),
		LeaderElectionRenewDeadline: getEnvDuration("LEADER_ELECTION_RENEW_DEADLINE", 10*time.Second),
		LeaderElectionRetryPeriod:   getEnvDuration("LEADER_ELECTION_RETRY_PERIOD", 2*time.Second),
	}
	cfg.LeaderElectionNamespace = getEnv("LEADER_ELECTION_NAMESPACE", cfg.K8sNamespace)
	cfg.MutexLockTTL = getEnvDuration("MUTEX_LOCK_TTL", cfg.LaunchBudget()+time.Minute)

	if path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment wins over the file for the image only.
	if c.OrchestratorImage == "" {
		c.OrchestratorImage = o.OrchestratorImage
	}
	if len(o.Resources) > 0 {
		c.Resources = o.Resources
	}
	if len(o.NodeSelectors) > 0 {
		c.NodeSelectors = o.NodeSelectors
	}
	if len(o.CheckNodeSelectors) > 0 {
		c.CheckNodeSelectors = o.CheckNodeSelectors
	}
	return nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.LogLevel)
	}

	if c.QueueTransport != TransportRedis && c.QueueTransport != TransportNATS {
		return fmt.Errorf("invalid queue transport: %s (must be redis/nats)", c.QueueTransport)
	}
	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}
	if c.DataplaneID == "" {
		return fmt.Errorf("DATAPLANE_ID is required")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}

	for name, d := range map[string]time.Duration{
		"ORCHESTRATOR_INIT_TIMEOUT": c.OrchestratorInitTimeout,
		"FULL_POD_TIMEOUT":          c.FullPodTimeout,
		"POD_POLL_INTERVAL":         c.PodPollInterval,
		"SHUTDOWN_TIMEOUT":          c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.TimeoutSlack < 0 {
		return fmt.Errorf("TIMEOUT_SLACK must not be negative, got %s", c.TimeoutSlack)
	}
	if c.Capabilities.MutexLock && c.MutexLockTTL <= c.LaunchBudget() {
		return fmt.Errorf("MUTEX_LOCK_TTL must exceed the launch budget of %s, got %s", c.LaunchBudget(), c.MutexLockTTL)
	}
	if c.Capabilities.Reaper && (c.ReaperInterval <= 0 || c.ReaperTerminalTTL <= 0 || c.ReaperStuckTTL <= 0) {
		return fmt.Errorf("reaper interval and TTLs must be positive")
	}
	if c.Capabilities.Reaper && c.LeaderElectionEnabled {
		if c.LeaderElectionLockName == "" {
			return fmt.Errorf("LEADER_ELECTION_LOCK_NAME is required when leader election is enabled")
		}
		if c.LeaderElectionRenewDeadline >= c.LeaderElectionDuration {
			return fmt.Errorf("LEADER_ELECTION_RENEW_DEADLINE must be shorter than LEADER_ELECTION_DURATION")
		}
	}

	return nil
}

// LaunchBudget is the longest a single launch can take: orchestrator init plus
// the startup wait of source and destination, one after the other.
func (c *Config) LaunchBudget() time.Duration {
	return c.OrchestratorInitTimeout + 2*(c.FullPodTimeout+c.TimeoutSlack)
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return c.HTTPHost + ":" + c.HTTPPort
}

// ConsumerID identifies this instance's processing list on the Redis queue.
func (c *Config) ConsumerID() string {
	return c.DataplaneID + ":" + c.PodName
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return defaultVal
		}
		return b
	}
	return defaultVal
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal
		}
		return i
	}
	return defaultVal
}

// getEnvDuration retrieves a duration environment variable or returns a default value
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal
		}
		return d
	}
	return defaultVal
}
