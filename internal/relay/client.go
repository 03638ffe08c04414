package relay

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay/protocol"
)

// ClientConfig defines how the relay client connects to the server.
type ClientConfig struct {
	ServerAddr        string
	Subflows          int
	FrameSize         int
	StreamWindow      int64
	SessionWindow     int64
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	TLSConfig         *tls.Config
	WriteTimeout      time.Duration
	Plaintext         bool
	Warmup            WarmupConfig
	Metrics           *metrics.Counters
}

type Client struct {
	cfg     ClientConfig
	session *Session
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Subflows <= 0 {
		cfg.Subflows = 1
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = 32 << 10
	}
	if cfg.StreamWindow == 0 {
		cfg.StreamWindow = 512 << 10
	}
	if cfg.SessionWindow == 0 {
		cfg.SessionWindow = 4 << 20
	}
	sessCfg := SessionConfig{
		Role:              RoleClient,
		FrameSize:         cfg.FrameSize,
		StreamWindow:      cfg.StreamWindow,
		SessionWindow:     cfg.SessionWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		SubflowTarget:     cfg.Subflows,
		EnableChecksums:   cfg.Plaintext,
		Warmup:            cfg.Warmup,
		Metrics:           cfg.Metrics,
	}
	client := &Client{cfg: cfg}
	var dialer Dialer
	if cfg.Plaintext {
		dialer = func() (net.Conn, error) {
			d := &net.Dialer{Timeout: cfg.DialTimeout}
			return d.Dial("tcp", cfg.ServerAddr)
		}
	} else {
		if cfg.TLSConfig == nil {
			cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		}
		dialer = func() (net.Conn, error) {
			d := &net.Dialer{Timeout: cfg.DialTimeout}
			return tls.DialWithDialer(d, "tcp", cfg.ServerAddr, cfg.TLSConfig)
		}
	}
	sess, err := NewClientSession(sessCfg, dialer)
	if err != nil {
		return nil, err
	}
	client.session = sess
	if err := client.establishSubflows(); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) establishSubflows() error {
	for i := 0; i < c.cfg.Subflows; i++ {
		sf, err := newClientSubflow(i, c.session, c.session.Dialer)
		if err != nil {
			return fmt.Errorf("relay: dial subflow: %w", err)
		}
		frameType := protocol.ControlSessionJoin
		if i == 0 {
			frameType = protocol.ControlSessionInit
		}
		hello := &protocol.Frame{
			Type:      protocol.FrameControl,
			SessionID: c.session.id,
			Control: &protocol.ControlPayload{
				Type:      frameType,
				SessionID: c.session.id,
				Window:    clampWindow(c.cfg.SessionWindow),
			},
		}
		if err := sf.send(hello); err != nil {
			_ = sf.close()
			return err
		}
		c.session.registerSubflow(sf)
	}
	return nil
}

func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) Close() error {
	return c.session.Close()
}
