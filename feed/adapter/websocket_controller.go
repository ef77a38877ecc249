package adapter

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// reconnectFloor is the minimum pause before redialing a dropped
	// session; reconnectCap bounds the exponential growth.
	reconnectFloor = 2 * time.Second
	reconnectCap   = 30 * time.Second

	defaultPingDuration  = 15 * time.Second
	disabledPingDuration = time.Duration(0)
)

var ping = []byte("ping")

type (
	// MessageHandler defines a callback function for handling received messages.
	MessageHandler func(messageType int, bz []byte)

	// ConnectHandler defines a callback function invoked on every successful
	// (re)connect, before any message is read. Session-local subscription
	// state must be reset here.
	ConnectHandler func()

	// WebsocketController maintains one long-lived websocket session for an
	// adapter: dialing, the read pump, keepalive pings and the reconnect
	// loop with exponential backoff. All writes are serialized through the
	// controller mutex.
	WebsocketController struct {
		parentCtx       context.Context
		name            Name
		websocketURL    url.URL
		messageHandler  MessageHandler
		connectHandler  ConnectHandler
		pingDuration    time.Duration
		pingMessageType int
		logger          zerolog.Logger

		mtx       sync.Mutex
		client    *websocket.Conn
		connected atomic.Bool
	}
)

// NewWebsocketController does nothing except initialize a new
// WebsocketController and return it.
func NewWebsocketController(
	ctx context.Context,
	name Name,
	websocketURL url.URL,
	messageHandler MessageHandler,
	connectHandler ConnectHandler,
	pingDuration time.Duration,
	pingMessageType int,
	logger zerolog.Logger,
) *WebsocketController {
	return &WebsocketController{
		parentCtx:       ctx,
		name:            name,
		websocketURL:    websocketURL,
		messageHandler:  messageHandler,
		connectHandler:  connectHandler,
		pingDuration:    pingDuration,
		pingMessageType: pingMessageType,
		logger:          logger,
	}
}

// Start dials the websocket and runs the read pump, redialing with backoff
// whenever the session drops, until the parent context is canceled.
func (wsc *WebsocketController) Start() {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = reconnectFloor
	reconnect.MaxInterval = reconnectCap
	// Jitter could undercut the minimum reconnect pause.
	reconnect.RandomizationFactor = 0

	for {
		conn, err := wsc.connect()
		if err != nil {
			wsc.logger.Err(err).Msg("failed to connect")
		} else {
			reconnect.Reset()
			if wsc.connectHandler != nil {
				wsc.connectHandler()
			}
			wsc.readLoop(conn)
		}

		if wsc.parentCtx.Err() != nil {
			return
		}

		sleep := reconnect.NextBackOff()
		wsc.logger.Debug().Dur("sleep", sleep).Msg("reconnecting websocket")
		select {
		case <-wsc.parentCtx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// IsConnected reports whether a session is currently established.
func (wsc *WebsocketController) IsConnected() bool {
	return wsc.connected.Load()
}

// SendJSON marshals the message and writes it to the current session.
func (wsc *WebsocketController) SendJSON(msg interface{}) error {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if wsc.client == nil {
		return fmt.Errorf("%s websocket is not connected", wsc.name)
	}

	bz, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	wsc.logger.Debug().Str("msg", string(bz)).Msg("sending websocket message")
	return wsc.client.WriteMessage(websocket.TextMessage, bz)
}

// Close tears down the current session. The read pump unblocks and, if the
// parent context is still live, Start redials.
func (wsc *WebsocketController) Close() {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if wsc.client != nil {
		wsc.client.Close()
		wsc.client = nil
	}
	wsc.connected.Store(false)
}

func (wsc *WebsocketController) connect() (*websocket.Conn, error) {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	wsc.logger.Debug().Str("url", wsc.websocketURL.String()).Msg("connecting to websocket")
	conn, resp, err := websocket.DefaultDialer.DialContext(wsc.parentCtx, wsc.websocketURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error connecting to websocket: %w", err)
	}
	defer resp.Body.Close()

	wsc.client = conn
	wsc.connected.Store(true)
	telemetryWebsocketReconnect(wsc.name)

	if wsc.pingDuration != disabledPingDuration {
		go wsc.pingLoop(conn)
	}
	return conn, nil
}

func (wsc *WebsocketController) readLoop(conn *websocket.Conn) {
	defer wsc.disconnect(conn)

	for {
		messageType, bz, err := conn.ReadMessage()
		if err != nil {
			if wsc.parentCtx.Err() == nil {
				wsc.logger.Err(err).Msg("websocket read failed")
			}
			return
		}
		if len(bz) == 0 {
			continue
		}
		wsc.messageHandler(messageType, bz)
	}
}

func (wsc *WebsocketController) pingLoop(conn *websocket.Conn) {
	pingTicker := time.NewTicker(wsc.pingDuration)
	defer pingTicker.Stop()

	for {
		select {
		case <-wsc.parentCtx.Done():
			return
		case <-pingTicker.C:
			if !wsc.connected.Load() {
				return
			}
			wsc.mtx.Lock()
			current := wsc.client
			var err error
			if current == conn {
				err = conn.WriteMessage(wsc.pingMessageType, ping)
			}
			wsc.mtx.Unlock()
			if current != conn || err != nil {
				return
			}
		}
	}
}

func (wsc *WebsocketController) disconnect(conn *websocket.Conn) {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	conn.Close()
	if wsc.client == conn {
		wsc.client = nil
		wsc.connected.Store(false)
	}
}
