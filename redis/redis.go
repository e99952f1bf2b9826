package redis

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/treelock"
)

// Client is the Clustered lock table. It implements treelock.Cache on top of go-redis.
//
// The Clustered cache factory shares the process-wide connection when OpenConnection was called,
// and opens a dedicated one otherwise.
type Client struct {
	conn    *Connection
	isOwner bool
}

func init() {
	treelock.RegisterCacheFactory(treelock.Clustered, func(cfg treelock.Config) (treelock.Cache, error) {
		var c *Client
		if IsConnectionInstantiated() {
			c = NewClient()
		} else {
			c = NewConnectionClient(OptionsFromConfig(cfg.Redis))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	})
}

// NewClient returns a client sharing the connection opened by OpenConnection. Close leaves the
// shared connection open; CloseConnection closes it.
func NewClient() *Client {
	mux.Lock()
	defer mux.Unlock()
	return &Client{
		conn: connection,
	}
}

// NewConnectionClient opens a dedicated connection; Close releases it.
func NewConnectionClient(options Options) *Client {
	return &Client{
		conn:    openConnection(options),
		isOwner: true,
	}
}

// Close closes the connection if this client owns it.
func (c *Client) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

var errNotOpen = errors.New("redis connection is not open")

// transportError classifies go-redis failures as TransportFailure; key-not-found is not an error.
func transportError(op string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return treelock.Error{
		Code: treelock.TransportFailure,
		Err:  fmt.Errorf("redis %s: %w", op, err),
	}
}

func (c *Client) ready() error {
	if c.conn == nil || c.conn.Client == nil {
		return transportError("connect", errNotOpen)
	}
	return nil
}

// Ping tests connectivity (PONG is expected).
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	pong, err := c.conn.Client.Ping(ctx).Result()
	if err != nil {
		return transportError("ping", err)
	}
	log.Debug("redis ping", "reply", pong, "address", c.conn.Options.Address)
	return nil
}

// get executes the Redis GET command; a missing key yields false and a nil error.
func (c *Client) get(ctx context.Context, key string) (bool, string, error) {
	if err := c.ready(); err != nil {
		return false, "", err
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	return err == nil, s, transportError("get", err)
}
