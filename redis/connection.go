package redis

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/treelock"
)

// Options to connect to the Redis server (or cluster) holding the lock table.
type Options struct {
	Address  string
	Password string
	DB       int
	// TLSConfig is optional.
	TLSConfig *tls.Config
}

// DefaultOptions targets a local, password-less Redis.
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
	}
}

// OptionsFromConfig maps the Redis section of the coordinator config.
func OptionsFromConfig(cfg treelock.RedisCacheConfig) Options {
	return Options{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Connection is a go-redis client plus the Options used to open it.
type Connection struct {
	Client  *redis.Client
	Options Options
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether the shared connection is open.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection opens the process-wide connection once and returns it on every call.
func OpenConnection(options Options) *Connection {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		connection = openConnection(options)
	}
	return connection
}

// CloseConnection closes the process-wide connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
	})
	return &Connection{
		Client:  client,
		Options: options,
	}
}

func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
