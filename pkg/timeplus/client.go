// Package timeplus runs quality queries against Timeplus (Proton) streams
// over the native protocol.
package timeplus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/timeplus-io/proton-go-driver/v2"
	"github.com/timeplus-io/proton-go-driver/v2/lib/driver"

	"github.com/beak-insights/BeakDashX/pkg/config"
)

const (
	defaultPort     = "8464"
	pingAttempts    = 3
	maxQueryRetries = 3
)

var errClosed = errors.New("timeplus client is closed")

// Client is a wrapper around the Timeplus Proton Go driver connection
type Client struct {
	mu      sync.RWMutex
	conn    driver.Conn
	closed  bool
	address string
	open    func() (driver.Conn, error)
}

// ParseAddress strips any scheme and fills in the native port
func ParseAddress(address string) string {
	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")
	address = strings.TrimSuffix(address, "/")

	host, port, found := strings.Cut(address, ":")
	if !found || port == "" {
		port = defaultPort
	}
	return host + ":" + port
}

// NewClient connects to Timeplus and verifies the connection with a few pings
func NewClient(ctx context.Context, cfg *config.TimeplusConfig) (*Client, error) {
	address := ParseAddress(cfg.Address)
	logrus.Infof("Connecting to Timeplus native protocol at %s (workspace: %s)", address, cfg.Workspace)

	opts := &proton.Options{
		Addr: []string{address},
		Auth: proton.Auth{
			Database: cfg.Workspace,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &proton.Compression{
			Method: proton.CompressionLZ4,
		},
	}

	conn, err := proton.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to Timeplus: %w", err)
	}

	var pingErr error
	for i := 0; i < pingAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pingErr = conn.Ping(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		logrus.Warnf("Failed to ping Timeplus at %s (attempt %d/%d): %v", address, i+1, pingAttempts, pingErr)
		if err := sleepContext(ctx, time.Second); err != nil {
			break
		}
	}
	if pingErr != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping Timeplus after %d attempts: %w", pingAttempts, pingErr)
	}

	return &Client{
		conn:    conn,
		address: address,
		open:    func() (driver.Conn, error) { return proton.Open(opts) },
	}, nil
}

// Ping checks the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errClosed
	}
	return conn.Ping(ctx)
}

// Close closes the underlying connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Execute runs a bounded historical query and returns its rows. Streaming
// queries never terminate, so callers must wrap stream names in table().
func (c *Client) Execute(ctx context.Context, sql string, timeout time.Duration) ([]map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < maxQueryRetries; attempt++ {
		if attempt > 0 {
			logrus.Warnf("Retrying Timeplus query (attempt %d/%d) after error: %v", attempt+1, maxQueryRetries, lastErr)
			if err := c.reconnect(ctx); err != nil {
				logrus.Errorf("Failed to reconnect to Timeplus: %v", err)
			}
			if err := sleepContext(ctx, backoff(attempt)); err != nil {
				return nil, fmt.Errorf("query aborted: %w", lastErr)
			}
		}

		rows, err := c.query(ctx, sql)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to execute query after %d attempts: %w", maxQueryRetries, lastErr)
}

func (c *Client) query(ctx context.Context, sql string) ([]map[string]any, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, errClosed
	}

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnNames := rows.Columns()
	columnTypes := rows.ColumnTypes()

	result := make([]map[string]any, 0)
	for rows.Next() {
		// Scan targets must match the driver's column types
		scanArgs := make([]any, len(columnNames))
		for i, ct := range columnTypes {
			scanArgs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			row[name] = derefValue(reflect.ValueOf(scanArgs[i]).Elem().Interface())
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	logrus.Debugf("Timeplus query at %s returned %d rows", c.address, len(result))
	return result, nil
}

// reconnect replaces the connection after a dropped session. The old
// connection stays in place until the new one answers a ping.
func (c *Client) reconnect(ctx context.Context) error {
	conn, err := c.open()
	if err != nil {
		return fmt.Errorf("failed to reopen Timeplus connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return fmt.Errorf("connection reopened but ping failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errClosed
	}
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logrus.Infof("Reconnected to Timeplus at %s", c.address)
	return nil
}

// derefValue unwraps nullable column values scanned into pointers
func derefValue(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return rv.Elem().Interface()
	}
	return v
}

func isRetryable(err error) bool {
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF") ||
		strings.Contains(err.Error(), "connection reset")
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
