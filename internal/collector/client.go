package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"

	"scada-gateway/internal/registry"
)

const (
	DefaultTimeout          = 5 * time.Second
	DefaultReconnectBackoff = 5 * time.Second
)

// ErrNotConnected is returned by ReadRegister before Connect succeeds or after Disconnect.
var ErrNotConnected = errors.New("modbus client not connected")

// ConnectionError reports a transport that could not be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError reports a failed register read.
type ReadError struct {
	Address      uint16
	FunctionCode registry.FunctionCode
	Err          error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s@%d: %v", e.FunctionCode, e.Address, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Endpoint describes how to reach one field controller.
type Endpoint struct {
	Protocol string // tcp | rtu
	Host     string
	Port     int
	SlaveID  uint8
	Timeout  time.Duration

	// RTU
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string
}

// IsRTU reports whether the endpoint uses a serial line.
func (e Endpoint) IsRTU() bool {
	p := strings.ToLower(strings.TrimSpace(e.Protocol))
	return p == "rtu" || p == "modbus-rtu"
}

// Address is a human-readable transport address for logs and errors.
func (e Endpoint) Address() string {
	if e.IsRTU() {
		return e.SerialPort
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ConnectionType is the value recorded in connection_type.
func (e Endpoint) ConnectionType() string {
	if e.IsRTU() {
		return "modbus_rtu"
	}
	return "modbus_tcp"
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// newHandler creates and configures a handler for TCP or RTU.
func newHandler(ep Endpoint) (handlerWithConn, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if ep.IsRTU() {
		if strings.TrimSpace(ep.SerialPort) == "" {
			return nil, errors.New("serial_port is required for RTU")
		}
		h := mb.NewRTUClientHandler(ep.SerialPort)
		if ep.BaudRate > 0 {
			h.BaudRate = ep.BaudRate
		}
		if ep.DataBits > 0 {
			h.DataBits = ep.DataBits
		}
		if ep.StopBits > 0 {
			h.StopBits = ep.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(ep.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		h.SlaveId = ep.SlaveID
		return h, nil
	}
	h := mb.NewTCPClientHandler(ep.Address())
	h.Timeout = timeout
	h.SlaveId = ep.SlaveID
	return h, nil
}

// Client owns one Modbus connection. A mutex keeps exactly one request in flight.
type Client struct {
	log     logrus.FieldLogger
	backoff time.Duration

	mu        sync.Mutex
	endpoint  Endpoint
	hasTarget bool
	handler   handlerWithConn
	client    mb.Client
}

// NewClient returns a disconnected client. backoff is the pause Reconnect takes
// between closing and reopening the transport; zero means DefaultReconnectBackoff.
func NewClient(log logrus.FieldLogger, backoff time.Duration) *Client {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	return &Client{log: log, backoff: backoff}
}

// Connect dials the endpoint and binds the slave id. Any previous transport is closed first.
func (c *Client) Connect(ctx context.Context, ep Endpoint) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Address: ep.Address(), Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	c.endpoint = ep
	c.hasTarget = true

	h, err := newHandler(ep)
	if err != nil {
		return &ConnectionError{Address: ep.Address(), Err: err}
	}
	if err := h.Connect(); err != nil {
		return &ConnectionError{Address: ep.Address(), Err: err}
	}
	c.handler = h
	c.client = mb.NewClient(h)
	c.log.WithFields(logrus.Fields{"address": ep.Address(), "slave_id": ep.SlaveID}).Info("modbus connected")
	return nil
}

// Connected reports whether a transport is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Endpoint returns the endpoint of the last Connect call.
func (c *Client) Endpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// ReadRegister reads one value. Function codes 1 and 2 yield 0 or 1; 3 and 4
// fetch as many registers as the data type spans and decode them big-endian.
func (c *Client) ReadRegister(ctx context.Context, address uint16, fc registry.FunctionCode, dt registry.DataType) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return 0, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, &ReadError{Address: address, FunctionCode: fc, Err: err}
	}

	var (
		data []byte
		err  error
	)
	switch fc {
	case registry.FuncCoil:
		data, err = c.client.ReadCoils(address, 1)
		if err == nil {
			return decodeBit(data), nil
		}
	case registry.FuncDiscreteInput:
		data, err = c.client.ReadDiscreteInputs(address, 1)
		if err == nil {
			return decodeBit(data), nil
		}
	case registry.FuncHoldingRegister:
		data, err = c.client.ReadHoldingRegisters(address, dt.RegisterCount())
	case registry.FuncInputRegister:
		data, err = c.client.ReadInputRegisters(address, dt.RegisterCount())
	default:
		err = fmt.Errorf("unsupported function code %d", uint8(fc))
	}
	if err != nil {
		return 0, &ReadError{Address: address, FunctionCode: fc, Err: err}
	}

	v, err := decodeRegisters(data, dt)
	if err != nil {
		return 0, &ReadError{Address: address, FunctionCode: fc, Err: err}
	}
	return v, nil
}

// Disconnect closes the transport if open. It is idempotent and only logs close errors.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.handler == nil {
		return
	}
	if err := c.handler.Close(); err != nil {
		c.log.WithError(err).WithField("address", c.endpoint.Address()).Warn("modbus close")
	}
	c.handler = nil
	c.client = nil
}

// Reconnect closes the transport, waits the backoff window, then connects to the
// last endpoint again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	ep, ok := c.endpoint, c.hasTarget
	c.mu.Unlock()
	if !ok {
		return errors.New("reconnect: no previous endpoint")
	}

	c.Disconnect()
	c.log.WithFields(logrus.Fields{"address": ep.Address(), "backoff": c.backoff}).Warn("modbus reconnecting")

	timer := time.NewTimer(c.backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return &ConnectionError{Address: ep.Address(), Err: ctx.Err()}
	case <-timer.C:
	}
	return c.Connect(ctx, ep)
}
