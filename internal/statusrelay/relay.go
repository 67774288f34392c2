// Package statusrelay forwards orchestrator status events to a management
// server over a websocket so attempts can be followed remotely.
package statusrelay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
	"github.com/breeze-rmm/deltaupdate/internal/update"
)

var log = logging.L("statusrelay")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
	sendBuffer     = 256
)

// Message types exchanged with the server.
const (
	TypeStatus       = "update_status"
	TypeCheckRequest = "check_now"
)

var (
	ErrStopped   = errors.New("status relay is stopped")
	ErrQueueFull = errors.New("status relay send queue is full")
)

// Config holds relay connection settings.
type Config struct {
	ServerURL string
	PackageID string
	AuthToken string
	TLSConfig *tls.Config
}

// StatusMessage is the JSON frame sent for every forwarded event.
type StatusMessage struct {
	Type      string       `json:"type"`
	PackageID string       `json:"packageId"`
	Event     update.Event `json:"event"`
	Error     string       `json:"error,omitempty"`
	SentAt    time.Time    `json:"sentAt"`
}

// Relay keeps a websocket open to the server and forwards queued status
// messages. Events published while disconnected stay queued until the
// buffer fills, after which new events are dropped.
type Relay struct {
	config   Config
	onCheck  func()
	conn     *websocket.Conn
	connMu   sync.RWMutex
	done     chan struct{}
	sendChan chan []byte
	stopOnce sync.Once
}

// New creates a relay. onCheck, when non-nil, is invoked whenever the server
// asks for an immediate update check.
func New(cfg Config, onCheck func()) *Relay {
	return &Relay{
		config:   cfg,
		onCheck:  onCheck,
		done:     make(chan struct{}),
		sendChan: make(chan []byte, sendBuffer),
	}
}

// Run connects and reconnects with exponential backoff until ctx is done or
// Stop is called.
func (r *Relay) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.done:
		}
	}()

	backoff := initialBackoff
	for {
		select {
		case <-r.done:
			return
		default:
		}

		if err := r.connect(ctx); err != nil {
			log.Warn("connection failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Debug("retrying", "delay", sleep)
			select {
			case <-r.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go r.writePump(pumpDone)
		r.readPump()
		close(pumpDone)

		r.connMu.Lock()
		if r.conn != nil {
			r.conn.Close()
			r.conn = nil
		}
		r.connMu.Unlock()
	}
}

// Stop closes the connection and ends Run. Safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)

		r.connMu.Lock()
		if r.conn != nil {
			r.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			r.conn.Close()
			r.conn = nil
		}
		r.connMu.Unlock()

		log.Info("relay stopped")
	})
}

// Publish queues ev for delivery without blocking.
func (r *Relay) Publish(ev update.Event) error {
	msg := StatusMessage{
		Type:      TypeStatus,
		PackageID: r.config.PackageID,
		Event:     ev,
		SentAt:    time.Now().UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status message: %w", err)
	}

	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	select {
	case r.sendChan <- data:
		return nil
	case <-r.done:
		return ErrStopped
	default:
		return ErrQueueFull
	}
}

func (r *Relay) connect(ctx context.Context) error {
	wsURL, err := r.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	header := http.Header{}
	if r.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+r.config.AuthToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: r.config.TLSConfig}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	r.connMu.Lock()
	select {
	case <-r.done:
		r.connMu.Unlock()
		conn.Close()
		return ErrStopped
	default:
	}
	r.conn = conn
	r.connMu.Unlock()

	log.Info("connected", logging.KeyURL, wsURL)
	return nil
}

func (r *Relay) buildWSURL() (string, error) {
	serverURL, err := url.Parse(r.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", serverURL.Scheme)
	}

	serverURL.Path = "/api/v1/updates/" + url.PathEscape(r.config.PackageID) + "/status/ws"
	return serverURL.String(), nil
}

func (r *Relay) readPump() {
	r.connMu.RLock()
	conn := r.conn
	r.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn("failed to parse message", "error", err)
			continue
		}

		// Acks and heartbeats are ignored.
		if msg.Type == TypeCheckRequest && r.onCheck != nil {
			log.Info("server requested update check")
			go r.onCheck()
		}
	}
}

func (r *Relay) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.done:
			return

		case message := <-r.sendChan:
			r.connMu.RLock()
			conn := r.conn
			r.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			r.connMu.RLock()
			conn := r.conn
			r.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
