// Package mcpclient talks to the browser automation subprocess over MCP stdio.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dialer returns a fresh transport to the server. Each connection attempt
// dials again, so a command transport spawns a new process.
type Dialer func(ctx context.Context) (mcp.Transport, error)

// CommandDialer spawns commandLine (split on whitespace) and talks MCP over
// its stdin/stdout.
func CommandDialer(commandLine string) (Dialer, error) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		return nil, engine.Errorf("mcpclient: command", engine.CategoryValidation, "empty command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, engine.E("mcpclient: command", engine.CategoryValidation, err)
	}
	return func(context.Context) (mcp.Transport, error) {
		// Not CommandContext: the process must outlive the dial context.
		return &mcp.CommandTransport{Command: exec.Command(argv[0], argv[1:]...)}, nil
	}, nil
}

// Retry bounds the exponential connect loop. Attempts counts every try,
// including the first.
type Retry struct {
	Attempts uint
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetry: 500ms, doubling, five attempts.
var DefaultRetry = Retry{Attempts: 5, Initial: 500 * time.Millisecond, Max: 8 * time.Second}

// Config configures a Client.
type Config struct {
	Name        string
	Version     string
	Dial        Dialer
	Retry       Retry         // zero Attempts means DefaultRetry
	CallTimeout time.Duration // per tool call; 0 means the caller's deadline only
}

// Client holds one MCP session and reconnects lazily after failures.
type Client struct {
	cfg    Config
	client *mcp.Client

	mu      sync.Mutex
	session *mcp.ClientSession
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "go_apply"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetry
	}
	return &Client{
		cfg:    cfg,
		client: mcp.NewClient(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
	}
}

// Connect opens a session, retrying with exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connected(ctx)
	return err
}

func (c *Client) connected(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	if c.cfg.Dial == nil {
		return nil, engine.Errorf("mcpclient: connect", engine.CategoryValidation, "no dialer configured")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Retry.Initial
	bo.MaxInterval = c.cfg.Retry.Max
	bo.Multiplier = 2

	attempt := 0
	operation := func() (*mcp.ClientSession, error) {
		attempt++
		t, err := c.cfg.Dial(ctx)
		if err != nil {
			if engine.CategoryOf(err) == engine.CategoryValidation {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return c.client.Connect(ctx, t, nil)
	}
	notify := func(err error, wait time.Duration) {
		engine.IncrMCPClientRetries()
		slog.Warn("mcpclient: connect failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
	}
	sess, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.cfg.Retry.Attempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, engine.E("mcpclient: connect", engine.CategoryExternalService, err)
	}
	slog.Info("mcpclient: connected", slog.String("client", c.cfg.Name))
	c.session = sess
	return sess, nil
}

// reset drops a broken session so the next call reconnects.
func (c *Client) reset(broken *mcp.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == broken {
		_ = broken.Close()
		c.session = nil
	}
}

// CallTool calls a tool by name. Transport failures drop the session and
// come back as EXTERNAL_SERVICE errors. The call is not retried because
// tools such as browser_easy_apply are not idempotent.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	op := "mcpclient: call " + name
	sess, err := c.connected(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	engine.IncrMCPClientCalls()
	res, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.reset(sess)
		}
		if ctx.Err() != nil {
			return nil, engine.E(op, engine.CategoryNetwork, fmt.Errorf("%w: %w", ctx.Err(), err))
		}
		return nil, engine.E(op, engine.CategoryExternalService, err)
	}
	return res, nil
}

// Close ends the session; a command transport stops the subprocess.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
