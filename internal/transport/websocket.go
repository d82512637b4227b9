// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/ventd/internal/fault"
	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// WebSocketConfig describes a serial-over-websocket bridge endpoint.
type WebSocketConfig struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// WebSocket is a transport over a websocket bridge that relays the serial
// byte stream in binary messages.
type WebSocket struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex

	// gorilla connections are unusable after a read deadline fires, so a
	// single goroutine owns reads and hands frames over.
	frames chan []byte
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

// OpenWebSocket dials cfg.URL with optional HTTP basic auth.
func OpenWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", fault.ErrValidation, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unsupported URL scheme %q (use ws:// or wss://)", fault.ErrValidation, u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, transportErr(fmt.Sprintf("dial %s (HTTP %d)", cfg.URL, resp.StatusCode), err)
		}
		return nil, transportErr("dial "+cfg.URL, err)
	}

	w := &WebSocket{
		url:    cfg.URL,
		conn:   conn,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go w.readLoop()
	return w, nil
}

// WebSocketOpener returns an Opener dialing cfg on every attempt.
func WebSocketOpener(cfg WebSocketConfig) Opener {
	return func(ctx context.Context) (Transport, error) {
		w, err := OpenWebSocket(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	var splitter fanproto.Splitter
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		for _, f := range splitter.Feed(data) {
			select {
			case w.frames <- f:
			default:
				// Nobody is waiting; the oldest unread frame is stale anyway.
				select {
				case <-w.frames:
				default:
				}
				w.frames <- f
			}
		}
	}
}

func (w *WebSocket) WriteFrame(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return transportErr("write "+w.url, err)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return transportErr("write "+w.url, err)
	}
	return nil
}

func (w *WebSocket) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-w.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		// Drain anything that arrived before the connection dropped.
		select {
		case f := <-w.frames:
			return f, nil
		default:
		}
		err := w.err
		if err == nil {
			err = errors.New("connection closed")
		}
		return nil, transportErr("read "+w.url, err)
	}
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) String() string {
	return "websocket:" + w.url
}
