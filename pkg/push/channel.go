// Package push is the live path: one raw WebSocket per vehicle against the
// Autonomic telemetry endpoint. The socket is framed by hand (frame.go),
// upgraded by hand (handshake.go) and kept alive by rotating the bearer token
// in-band instead of reconnecting.
package push

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfordpass/bridge/internal/scheduler"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/session"
)

// ChannelState is the connection lifecycle position.
type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

const (
	// reconnectDelay applies after any unplanned close or error.
	reconnectDelay = 30 * time.Second

	// tokenCheckInterval and tokenMargin drive the in-band token rotation.
	// The server drops sockets whose token expires; swapping ahead of time
	// keeps the stream alive.
	tokenCheckInterval = 30 * time.Second
	tokenMargin        = 45 * time.Second

	readBufferSize = 4096
)

// DialFunc establishes the underlying stream. The default dials TLS to the
// vendor host; tests substitute a pipe.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Channel maintains the push socket for one vehicle.
type Channel struct {
	vin      string
	sessions *session.Store
	sched    *scheduler.Scheduler
	appID    string
	logger   zerolog.Logger

	// Dial is the stream factory; nil means TLS to the vendor host.
	Dial DialFunc

	// OnMessage receives every text/binary payload.
	OnMessage func(vin string, raw []byte)

	// RefreshToken obtains a fresh telemetry token, synchronously. Wired to
	// the token refresher by the bridge.
	RefreshToken func(ctx context.Context) error

	mu        sync.Mutex
	conn      net.Conn
	state     ChannelState
	shutdown  bool
	wsToken   string // token the current socket was opened/rotated with
	lastClose int
}

func NewChannel(vin, appID string, sessions *session.Store, sched *scheduler.Scheduler, logger zerolog.Logger) *Channel {
	return &Channel{
		vin:      vin,
		appID:    appID,
		sessions: sessions,
		sched:    sched,
		logger:   logger.With().Str("component", "push").Str("vin", vin).Logger(),
	}
}

// State returns the current lifecycle position.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastCloseCode returns the close code from the most recent server close
// frame, zero if none was received.
func (c *Channel) LastCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClose
}

func (c *Channel) dial(ctx context.Context) (net.Conn, error) {
	if c.Dial != nil {
		return c.Dial(ctx)
	}
	d := &tls.Dialer{}
	return d.DialContext(ctx, "tcp", fordapi.AutonomicWSHost+":443")
}

// Connect opens the socket and starts the read loop. A rejected upgrade with
// 401 triggers a token refresh and a delayed retry instead of failing hard.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown || c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	tok := c.sessions.Telemetry()
	if !tok.Valid(0) {
		c.failConnect()
		return fmt.Errorf("push: no valid telemetry token for %s", c.vin)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.failConnect()
		c.scheduleReconnect()
		return err
	}

	path := fmt.Sprintf(fordapi.AutonomicWSPath, c.vin)
	br, err := handshake(conn, fordapi.AutonomicWSHost, path, tok.AccessToken, c.appID)
	if err != nil {
		conn.Close()
		c.failConnect()
		if hsErr, ok := err.(*HandshakeError); ok && hsErr.Unauthorized() && c.RefreshToken != nil {
			c.logger.Info().Msg("upgrade unauthorized, refreshing telemetry token")
			if rerr := c.RefreshToken(ctx); rerr != nil {
				c.logger.Warn().Err(rerr).Msg("telemetry token refresh failed")
			}
		}
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.wsToken = tok.AccessToken
	c.lastClose = 0
	c.mu.Unlock()
	c.logger.Info().Msg("push channel connected")

	c.sched.Every("push:token:"+c.vin, tokenCheckInterval, func() {
		c.checkToken(context.Background())
	})
	go c.readLoop(conn, br)
	return nil
}

func (c *Channel) failConnect() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	down := c.shutdown
	c.mu.Unlock()
	if down {
		return
	}
	c.logger.Info().Dur("in", reconnectDelay).Msg("reconnect scheduled")
	c.sched.Once("push:reconnect:"+c.vin, reconnectDelay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect failed")
		}
	})
}

// readLoop owns the socket until it dies. Every exit path funnels through
// teardown, which decides between reconnect and final shutdown.
func (c *Channel) readLoop(conn net.Conn, br io.Reader) {
	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			if done := c.drainFrames(&dec); done {
				c.teardown(conn)
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			deliberate := c.shutdown || c.state == StateClosing
			c.mu.Unlock()
			if !deliberate {
				c.logger.Warn().Err(err).Msg("push socket read failed")
			}
			c.teardown(conn)
			return
		}
	}
}

// drainFrames dispatches every complete frame in the buffer. Returns true
// when the stream must be dropped (close frame or parse error).
func (c *Channel) drainFrames(dec *Decoder) bool {
	for {
		frame, err := dec.Next()
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping connection after frame error")
			return true
		}
		if frame == nil {
			return false
		}
		switch frame.Opcode {
		case OpText, OpBinary:
			if c.OnMessage != nil {
				c.OnMessage(c.vin, frame.Payload)
			}
		case OpPing:
			if err := c.write(Encode(OpPong, frame.Payload, true)); err != nil {
				c.logger.Warn().Err(err).Msg("pong write failed")
				return true
			}
		case OpPong:
			c.logger.Debug().Msg("pong received")
		case OpClose:
			code := frame.CloseCode()
			c.mu.Lock()
			c.lastClose = code
			c.mu.Unlock()
			c.logger.Info().Int("code", code).Msg("server closed push channel")
			// Echo the close before dropping the stream, best effort.
			if err := c.write(EncodeClose(code, true)); err != nil {
				c.logger.Debug().Err(err).Msg("close echo write failed")
			}
			return true
		default:
			c.logger.Debug().Uint8("opcode", byte(frame.Opcode)).Msg("ignoring frame")
		}
	}
}

func (c *Channel) teardown(conn net.Conn) {
	conn.Close()
	c.sched.Cancel("push:token:" + c.vin)
	c.mu.Lock()
	deliberate := c.shutdown
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if !deliberate {
		c.scheduleReconnect()
	}
}

func (c *Channel) write(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}
	_, err := conn.Write(frame)
	return err
}

// checkToken runs on the periodic task: when the telemetry token the socket
// was opened with is about to expire, refresh it and hand the new token to
// the server in-band. The server accepts the swap without dropping the
// stream.
func (c *Channel) checkToken(ctx context.Context) {
	c.mu.Lock()
	current := c.wsToken
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return
	}

	tok := c.sessions.Telemetry()
	if tok.Valid(tokenMargin) && tok.AccessToken == current {
		return
	}
	if !tok.Valid(tokenMargin) {
		if c.RefreshToken == nil {
			return
		}
		if err := c.RefreshToken(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("telemetry token refresh for socket failed")
			return
		}
		tok = c.sessions.Telemetry()
	}
	if tok == nil || tok.AccessToken == current {
		return
	}
	if err := c.sendToken(tok.AccessToken); err != nil {
		c.logger.Warn().Err(err).Msg("token rotation write failed")
		return
	}
	c.mu.Lock()
	c.wsToken = tok.AccessToken
	c.mu.Unlock()
	c.logger.Info().Msg("rotated telemetry token on push channel")
}

func (c *Channel) sendToken(accessToken string) error {
	msg, err := json.Marshal(map[string]string{"accessToken": accessToken})
	if err != nil {
		return err
	}
	return c.write(Encode(OpText, msg, true))
}

// Shutdown closes the socket deliberately; no reconnect follows.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	c.sched.Cancel("push:reconnect:" + c.vin)
	c.sched.Cancel("push:token:" + c.vin)
	if conn != nil {
		if err := c.write(EncodeClose(1000, true)); err == nil {
			conn.SetReadDeadline(time.Now().Add(time.Second))
		}
		conn.Close()
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()
}
