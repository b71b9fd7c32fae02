// Package remote provides a client for the VoiceMeeter remote parameter
// interface that treats the console process as unreliable: every operation
// transparently attempts a single reconnect when the current connection
// turns out to be dead.
package remote

import (
	"fmt"
	"strings"

	ps "github.com/mitchellh/go-ps"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Param names a single console parameter, e.g. "Strip[3].Gain"
type Param string

// StripParam builds a parameter name addressing one of the console's input strips
func StripParam(strip int, name string) Param {
	return Param(fmt.Sprintf("Strip[%d].%s", strip, name))
}

// Session is a live connection to the console process. All calls can fail at
// any time; the console exiting invalidates the session silently, which is
// only discovered on the next call.
type Session interface {
	Version() (string, error)
	SetFloat(param Param, value float32) error
	GetFloat(param Param) (float32, error)
	SetString(param Param, value string) error
	GetString(param Param) (string, error)
	Dirty() (bool, error)
	Close() error
}

// Dialer establishes a fresh console session
type Dialer func() (Session, error)

// ConnectError indicates that a new console connection could not be established
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "connect to console: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Client presents an always-available logical handle to the console.
// It is not safe for concurrent use; the coordinator owns it exclusively.
type Client struct {
	logger *zap.SugaredLogger
	dial   Dialer

	sess Session // nil while disconnected
}

// NewClient creates a console client and eagerly attempts a first connection.
// A failed first connection is not an error; the client stays disconnected
// and reconnects on the first operation.
func NewClient(logger *zap.SugaredLogger, dial Dialer) *Client {
	logger = logger.Named("console")

	c := &Client{
		logger: logger,
		dial:   dial,
	}

	sess, err := dial()
	if err != nil {
		logger.Warnw("Initial console connection failed, staying disconnected for now",
			"error", err,
			"consoleProcessRunning", consoleProcessRunning())
	} else {
		c.sess = sess
	}

	logger.Debug("Created console client instance")

	return c
}

// Connected reports whether the client currently holds a connection. The
// connection may still be dead; that is only discovered by the next call.
func (c *Client) Connected() bool {
	return c.sess != nil
}

// do runs op against the current session, reconnecting and retrying exactly
// once if the session is absent or the first attempt fails. The fresh session
// is kept regardless of whether the retry succeeds, so the next call starts
// from a known-fresh connection.
func (c *Client) do(opName string, op func(Session) error) error {
	if c.sess != nil {
		err := op(c.sess)
		if err == nil {
			return nil
		}

		c.logger.Warnw("Console call failed, reconnecting", "op", opName, "error", err)

		_ = c.sess.Close()
		c.sess = nil
	}

	sess, err := c.dial()
	if err != nil {
		c.logger.Warnw("Failed to reconnect to console",
			"op", opName,
			"error", err,
			"consoleProcessRunning", consoleProcessRunning())

		return fmt.Errorf("%s: %w", opName, &ConnectError{Err: err})
	}

	c.sess = sess

	if err := op(sess); err != nil {
		return fmt.Errorf("%s (after reconnect): %w", opName, err)
	}

	return nil
}

// Version returns the console's version string
func (c *Client) Version() (string, error) {
	var out string
	err := c.do("get console version", func(s Session) error {
		var err error
		out, err = s.Version()
		return err
	})

	return out, err
}

// SetFloat sets a float parameter
func (c *Client) SetFloat(param Param, value float32) error {
	return c.do(fmt.Sprintf("set float parameter %s to %.2f", param, value), func(s Session) error {
		return s.SetFloat(param, value)
	})
}

// GetFloat reads a float parameter
func (c *Client) GetFloat(param Param) (float32, error) {
	var out float32
	err := c.do(fmt.Sprintf("get float parameter %s", param), func(s Session) error {
		var err error
		out, err = s.GetFloat(param)
		return err
	})

	return out, err
}

// SetString sets a string parameter
func (c *Client) SetString(param Param, value string) error {
	return c.do(fmt.Sprintf("set string parameter %s to %s", param, value), func(s Session) error {
		return s.SetString(param, value)
	})
}

// GetString reads a string parameter
func (c *Client) GetString(param Param) (string, error) {
	var out string
	err := c.do(fmt.Sprintf("get string parameter %s", param), func(s Session) error {
		var err error
		out, err = s.GetString(param)
		return err
	})

	return out, err
}

// CommitDirty asks the console to apply all queued parameter changes
func (c *Client) CommitDirty() error {
	return c.do("commit dirty parameters", func(s Session) error {
		_, err := s.Dirty()
		return err
	})
}

// Close releases the current connection, if any
func (c *Client) Close() error {
	if c.sess == nil {
		return nil
	}

	err := c.sess.Close()
	c.sess = nil

	return err
}

// executable names across VoiceMeeter editions, lowercased
var consoleProcessNames = []string{
	"voicemeeter.exe",
	"voicemeeterpro.exe",
	"voicemeeter8.exe",
	"voicemeeter8x64.exe",
}

// consoleProcessRunning reports whether a console process is currently alive.
// Used purely to make connection failures easier to diagnose from the logs.
func consoleProcessRunning() bool {
	processes, err := ps.Processes()
	if err != nil {
		return false
	}

	for _, process := range processes {
		if funk.ContainsString(consoleProcessNames, strings.ToLower(process.Executable())) {
			return true
		}
	}

	return false
}
