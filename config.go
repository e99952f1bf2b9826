package treelock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ClusterMode selects the lock table backing the cluster.
type ClusterMode int

const (
	// Standalone keeps the lock table in process memory. Appropriate when all cluster members
	// live in one process (tests, the interactive harness).
	Standalone ClusterMode = iota
	// Clustered keeps the lock table in Redis so lock keys are visible across processes.
	Clustered
)

func (m ClusterMode) String() string {
	if m == Clustered {
		return "clustered"
	}
	return "standalone"
}

// ParseClusterMode accepts "standalone" or "clustered" (case-insensitive).
func ParseClusterMode(s string) (ClusterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standalone":
		return Standalone, nil
	case "clustered":
		return Clustered, nil
	}
	return Standalone, NewError(InvalidConfiguration, s, "unknown cluster mode %q", s)
}

// RedisCacheConfig holds configuration for connecting to a Redis server or cluster.
type RedisCacheConfig struct {
	// Address is the host:port of the Redis server/cluster.
	Address string `json:"address"`
	// Password is the password used to authenticate.
	Password string `json:"password"`
	// DB is the database index to select.
	DB int `json:"db"`
}

// Config carries every tunable of the coordinators and the reference store. It is passed
// explicitly to constructors; nothing reads process-wide settings behind the caller's back.
type Config struct {
	// LockTTL bounds how long a granted lock survives without unlock.
	LockTTL time.Duration `json:"lock_ttl"`
	// LockWaitTimeout is how long the store waits for a held lock before giving up.
	// Zero fails immediately.
	LockWaitTimeout time.Duration `json:"lock_wait_timeout"`
	// TransactionTimeout is the age after which the reaper aborts a transaction.
	TransactionTimeout time.Duration `json:"transaction_timeout"`
	// UnlockTimeout bounds the off-thread unlock. Zero waits forever.
	UnlockTimeout time.Duration `json:"unlock_timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	// ThreadCount is the worker pool size of the parallel harness actions.
	ThreadCount int `json:"thread_count"`
	// ClusterSize is the number of member handles the selector rotates over.
	ClusterSize int `json:"cluster_size"`
	// NodeCount is the number of leaves the harness creates, reads or updates.
	NodeCount int              `json:"node_count"`
	Mode      ClusterMode      `json:"mode"`
	Redis     RedisCacheConfig `json:"redis"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:            180 * time.Second,
		TransactionTimeout: 3 * time.Second,
		UnlockTimeout:      30 * time.Second,
		RetryAttempts:      5,
		RetryDelay:         time.Second,
		ThreadCount:        5,
		ClusterSize:        3,
		NodeCount:          5,
		Mode:               Standalone,
		Redis: RedisCacheConfig{
			Address: "localhost:6379",
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.LockTTL <= 0:
		return NewError(InvalidConfiguration, "lock_ttl", "lock TTL must be positive, got %v", c.LockTTL)
	case c.LockWaitTimeout < 0:
		return NewError(InvalidConfiguration, "lock_wait_timeout", "lock wait timeout can't be negative, got %v", c.LockWaitTimeout)
	case c.TransactionTimeout <= 0:
		return NewError(InvalidConfiguration, "transaction_timeout", "transaction timeout must be positive, got %v", c.TransactionTimeout)
	case c.UnlockTimeout < 0:
		return NewError(InvalidConfiguration, "unlock_timeout", "unlock timeout can't be negative, got %v", c.UnlockTimeout)
	case c.RetryAttempts < 1:
		return NewError(InvalidConfiguration, "retry_attempts", "retry attempts must be at least 1, got %d", c.RetryAttempts)
	case c.RetryDelay < 0:
		return NewError(InvalidConfiguration, "retry_delay", "retry delay can't be negative, got %v", c.RetryDelay)
	case c.ThreadCount < 1:
		return NewError(InvalidConfiguration, "thread_count", "thread count must be at least 1, got %d", c.ThreadCount)
	case c.ClusterSize < 1:
		return NewError(InvalidConfiguration, "cluster_size", "cluster size must be at least 1, got %d", c.ClusterSize)
	case c.NodeCount < 0:
		return NewError(InvalidConfiguration, "node_count", "node count can't be negative, got %d", c.NodeCount)
	case c.Mode == Clustered && c.Redis.Address == "":
		return NewError(InvalidConfiguration, "redis", "clustered mode needs a Redis address")
	}
	return nil
}

// RetryPolicy builds the policy described by RetryAttempts and RetryDelay.
func (c Config) RetryPolicy() (RetryPolicy, error) {
	return NewRetryPolicy(c.RetryAttempts, c.RetryDelay)
}

// LoadConfig starts from DefaultConfig, loads the given .env files (missing files are
// ignored; with no names, ".env" is tried) and then applies TREELOCK_* environment variables.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, NewError(InvalidConfiguration, f, "loading %s: %w", f, err)
		}
	}
	cfg, err := ConfigFromEnv(DefaultConfig(), os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ConfigFromEnv overlays the variables found through lookup on base.
func ConfigFromEnv(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base
	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"TREELOCK_LOCK_TTL", &cfg.LockTTL},
		{"TREELOCK_LOCK_WAIT_TIMEOUT", &cfg.LockWaitTimeout},
		{"TREELOCK_TRANSACTION_TIMEOUT", &cfg.TransactionTimeout},
		{"TREELOCK_UNLOCK_TIMEOUT", &cfg.UnlockTimeout},
		{"TREELOCK_RETRY_DELAY", &cfg.RetryDelay},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, NewError(InvalidConfiguration, d.name, "%s: %w", d.name, err)
		}
		*d.target = parsed
	}
	ints := []struct {
		name   string
		target *int
	}{
		{"TREELOCK_RETRY_ATTEMPTS", &cfg.RetryAttempts},
		{"TREELOCK_THREAD_COUNT", &cfg.ThreadCount},
		{"TREELOCK_CLUSTER_SIZE", &cfg.ClusterSize},
		{"TREELOCK_NODE_COUNT", &cfg.NodeCount},
		{"TREELOCK_REDIS_DB", &cfg.Redis.DB},
	}
	for _, i := range ints {
		v, ok := lookup(i.name)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, NewError(InvalidConfiguration, i.name, "%s: %w", i.name, err)
		}
		*i.target = parsed
	}
	if v, ok := lookup("TREELOCK_MODE"); ok {
		m, err := ParseClusterMode(v)
		if err != nil {
			return Config{}, err
		}
		cfg.Mode = m
	}
	if v, ok := lookup("TREELOCK_REDIS_ADDRESS"); ok {
		cfg.Redis.Address = v
	}
	if v, ok := lookup("TREELOCK_REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	return cfg, nil
}

// String renders the config without the Redis password.
func (c Config) String() string {
	return fmt.Sprintf("lockTTL=%v lockWait=%v txTimeout=%v unlockTimeout=%v retry=%dx%v threads=%d cluster=%d nodes=%d mode=%v redis=%s",
		c.LockTTL, c.LockWaitTimeout, c.TransactionTimeout, c.UnlockTimeout, c.RetryAttempts, c.RetryDelay,
		c.ThreadCount, c.ClusterSize, c.NodeCount, c.Mode, c.Redis.Address)
}
