// Package telegram adapts the MTProto client (github.com/gotd/td) to the
// platform.Transport contract.
package telegram

import (
	"context"
	stderrors "errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/sethvargo/go-retry"

	"github.com/hpungsan/courier/internal/platform"
)

var errNotConnected = stderrors.New("not connected to telegram")

// Options configure New.
type Options struct {
	AppID       int
	AppHash     string
	DeviceModel string
	AppVersion  string
	Storage     session.Storage
	Logger      *slog.Logger

	// ConnectTimeout bounds how long a call waits for a connection.
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
}

// Client is a platform.Transport over one Telegram account. Run keeps the
// connection up; every other method waits for it.
type Client struct {
	opts Options
	log  *slog.Logger
	hub  *hub

	mu    sync.Mutex
	conn  *telegram.Client
	ready chan struct{}
}

var _ platform.Transport = (*Client)(nil)

// New returns a disconnected client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "dev"
	}
	return &Client{
		opts:  opts,
		log:   opts.Logger.With("component", "telegram"),
		hub:   newHub(),
		ready: make(chan struct{}),
	}
}

// Run connects and reconnects until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.newBackoff()
	for {
		started := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.hub.closeAll(platform.ErrStreamClosed)
			return nil
		}

		c.hub.closeAll(platform.Temporary("updates", "DISCONNECTED", 0, errNotConnected))
		if time.Since(started) > c.opts.ReconnectMax {
			backoff = c.newBackoff()
		}
		wait, _ := backoff.Next()
		c.log.Warn("connection lost, reconnecting", "error", err, "in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(c.opts.ReconnectMax, retry.NewExponential(c.opts.ReconnectBase))
}

func (c *Client) runOnce(ctx context.Context) error {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		if msg, ok := incomingMessage(u.Message, e); ok {
			c.hub.publish(ctx, msg)
		}
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if msg, ok := incomingMessage(u.Message, e); ok {
			c.hub.publish(ctx, msg)
		}
		return nil
	})

	client := telegram.NewClient(c.opts.AppID, c.opts.AppHash, telegram.Options{
		SessionStorage: c.opts.Storage,
		UpdateHandler:  dispatcher,
		Device: telegram.DeviceConfig{
			DeviceModel:    c.opts.DeviceModel,
			SystemVersion:  runtime.GOOS + "/" + runtime.GOARCH,
			AppVersion:     c.opts.AppVersion,
			SystemLangCode: "en",
			LangCode:       "en",
		},
	})

	return client.Run(ctx, func(ctx context.Context) error {
		c.setConn(client)
		defer c.setConn(nil)
		c.log.Info("connected")
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *Client) setConn(client *telegram.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case client != nil && c.conn == nil:
		close(c.ready)
	case client == nil && c.conn != nil:
		c.ready = make(chan struct{})
	}
	c.conn = client
}

// Connected reports whether the client currently has a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// wait returns the live connection, waiting up to ConnectTimeout for one.
func (c *Client) wait(ctx context.Context, op string) (*telegram.Client, error) {
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, platform.Temporary(op, "NOT_CONNECTED", 0, errNotConnected)
		}
	}
}
