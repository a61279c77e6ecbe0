// Package scpi implements the instrument binding for R&S NGE-series power
// supplies speaking SCPI over a raw TCP socket (port 5025). It satisfies the
// watchdog.DeviceAdapter contract; the watchdog's poll goroutine is the only
// caller, the internal mutex only protects the session handle across
// Connect/Close.
package scpi

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"go.uber.org/zap"
)

type Client struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = watchdog.DefaultIOTimeout
	}
	return &Client{
		timeout: timeout,
		logger:  logger,
	}
}

// Connect dials the instrument and queries its identification string.
// resource is a host:port address.
func (c *Client) Connect(ctx context.Context, resource string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return "", fmt.Errorf("already connected")
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", resource)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	idn, err := c.query(ctx, "*IDN?")
	if err != nil {
		conn.Close()
		c.conn = nil
		c.reader = nil
		return "", fmt.Errorf("identification query failed: %w", err)
	}

	c.logger.Info("SCPI session opened",
		zap.String("resource", resource),
		zap.String("idn", idn))

	return idn, nil
}

// Close tears down the socket. The watchdog forces the master output off
// before calling this.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Client) SetVoltageCurrent(ctx context.Context, ch int, voltage, current float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectChannel(ctx, ch); err != nil {
		return err
	}
	if err := c.write(ctx, fmt.Sprintf("SOURce:VOLTage:LEVel:IMMediate:AMPLitude %g", voltage)); err != nil {
		return fmt.Errorf("set voltage failed: %w", err)
	}
	if err := c.write(ctx, fmt.Sprintf("SOURce:CURRent:LEVel:IMMediate:AMPLitude %g", current)); err != nil {
		return fmt.Errorf("set current failed: %w", err)
	}

	// *OPC? forces completion before the next exchange.
	if _, err := c.query(ctx, "*OPC?"); err != nil {
		return fmt.Errorf("operation-complete query failed: %w", err)
	}
	return nil
}

func (c *Client) ToggleOutput(ctx context.Context, ch int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectChannel(ctx, ch); err != nil {
		return false, err
	}

	state, err := c.queryBool(ctx, "OUTPut:STATe?")
	if err != nil {
		return false, fmt.Errorf("output state query failed: %w", err)
	}

	newState := !state
	if err := c.write(ctx, fmt.Sprintf("OUTPut:STATe %d", boolToInt(newState))); err != nil {
		return false, fmt.Errorf("output toggle failed: %w", err)
	}
	return newState, nil
}

func (c *Client) SetMasterOutput(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(ctx, fmt.Sprintf("OUTPut:GENeral %d", boolToInt(on))); err != nil {
		return fmt.Errorf("master output failed: %w", err)
	}
	return nil
}

func (c *Client) ReadMeasurement(ctx context.Context, ch int) (float64, float64, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectChannel(ctx, ch); err != nil {
		return 0, 0, 0, err
	}

	voltage, err := c.queryFloat(ctx, "MEASure:SCALar:VOLTage:DC?")
	if err != nil {
		return 0, 0, 0, err
	}
	current, err := c.queryFloat(ctx, "MEASure:SCALar:CURRent:DC?")
	if err != nil {
		return 0, 0, 0, err
	}
	power, err := c.queryFloat(ctx, "MEASure:SCALar:POWer?")
	if err != nil {
		return 0, 0, 0, err
	}

	return voltage, current, power, nil
}

func (c *Client) IsOutputOn(ctx context.Context, ch int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectChannel(ctx, ch); err != nil {
		return false, err
	}
	return c.queryBool(ctx, "OUTPut:STATe?")
}

func (c *Client) DisableOutput(ctx context.Context, ch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectChannel(ctx, ch); err != nil {
		return err
	}
	if err := c.write(ctx, "OUTPut:STATe 0"); err != nil {
		return fmt.Errorf("output disable failed: %w", err)
	}
	return nil
}

// selectChannel addresses a channel on the single-channel-addressable
// instrument. Callers hold c.mu.
func (c *Client) selectChannel(ctx context.Context, ch int) error {
	return c.write(ctx, fmt.Sprintf("INSTrument:NSELect %d", ch))
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *Client) write(ctx context.Context, cmd string) error {
	if c.conn == nil {
		return watchdog.ErrNotConnected
	}

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (c *Client) query(ctx context.Context, cmd string) (string, error) {
	if err := c.write(ctx, cmd); err != nil {
		return "", err
	}

	if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *Client) queryFloat(ctx context.Context, cmd string) (float64, error) {
	raw, err := c.query(ctx, cmd)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q", watchdog.ErrInvalidReading, raw)
	}
	return v, nil
}

func (c *Client) queryBool(ctx context.Context, cmd string) (bool, error) {
	raw, err := c.query(ctx, cmd)
	if err != nil {
		return false, err
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %q", watchdog.ErrInvalidReading, raw)
	}
	return v == 1, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
