package gdax

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/divir94/bitcoin/internal/config"
	"github.com/divir94/bitcoin/internal/exchange/common"
)

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Dialer connects to the websocket feed and subscribes to the full channel, plus the
// heartbeat channel when heartbeats are enabled.
type Dialer struct {
	url          string
	product      string
	heartbeat    bool
	handshake    time.Duration
	pingInterval time.Duration
	readTimeout  time.Duration
	log          zerolog.Logger
}

func NewDialer(cfg config.Config, logger zerolog.Logger) *Dialer {
	d := &Dialer{
		url:          cfg.Feed.WSURL,
		product:      cfg.Feed.ProductID,
		heartbeat:    cfg.Heartbeat.Enabled,
		handshake:    time.Duration(cfg.Feed.DialTimeoutSeconds) * time.Second,
		pingInterval: time.Duration(cfg.Heartbeat.PingIntervalSeconds) * time.Second,
		readTimeout:  time.Duration(cfg.Heartbeat.KeepAliveSeconds) * time.Second,
		log:          logger,
	}
	if d.heartbeat {
		d.readTimeout = time.Duration(cfg.Heartbeat.ToleranceSeconds) * time.Second
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context) (common.Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshake,
	}
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	channels := []string{"full"}
	if d.heartbeat {
		channels = append(channels, "heartbeat")
	}
	payload, err := json.Marshal(subscribeRequest{Type: "subscribe", ProductIDs: []string{d.product}, Channels: channels})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	d.log.Info().Str("url", d.url).Strs("channels", channels).Msg("feed subscribed")

	s := &stream{conn: conn, readTimeout: d.readTimeout, done: make(chan struct{})}
	if d.pingInterval > 0 {
		go s.keepAlive(d.pingInterval, d.log)
	}
	return s, nil
}

type stream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// Read returns the next frame. A read deadline of readTimeout turns a silent feed into
// common.ErrHeartbeatTimeout.
func (s *stream) Read(ctx context.Context) ([]byte, error) {
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%w: %v", common.ErrHeartbeatTimeout, err)
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *stream) keepAlive(every time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
