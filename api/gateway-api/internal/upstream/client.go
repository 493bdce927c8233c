// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds inbound frames; model audio arrives in sub-second
	// chunks well below this.
	maxMessageSize = 10 * 1024 * 1024
)

// liveConn is one established Live WebSocket connection that has completed
// the setup handshake. Reads happen from a single goroutine; writes are
// serialized with writeMu.
type liveConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// dialLive connects, sends the setup message, and waits for setupComplete.
// The context bounds the whole handshake, including the wait for the
// server's acknowledgement.
func dialLive(ctx context.Context, endpoint, apiKey string, setup setupMessage, timeout time.Duration) (*liveConn, error) {
	wsURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse live endpoint: %w", err)
	}
	query := wsURL.Query()
	query.Set("key", apiKey)
	wsURL.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to live service: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	lc := &liveConn{conn: conn}
	if err := lc.sendJSON(setup); err != nil {
		lc.close()
		return nil, fmt.Errorf("failed to send setup: %w", err)
	}

	// The service must acknowledge setup before any media flows.
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		lc.close()
		return nil, err
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			lc.close()
			return nil, fmt.Errorf("setup acknowledgement not received: %w", err)
		}
		msg, err := parseServerMessage(raw)
		if err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		lc.close()
		return nil, err
	}
	return lc, nil
}

// sendJSON safely writes one message over the connection.
func (lc *liveConn) sendJSON(v interface{}) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := lc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage blocks for the next server frame. Errors indicate the
// connection is unusable and must be replaced.
func (lc *liveConn) readMessage() ([]byte, error) {
	_, raw, err := lc.conn.ReadMessage()
	return raw, err
}

// close attempts a clean websocket shutdown before dropping the transport.
func (lc *liveConn) close() {
	lc.writeMu.Lock()
	_ = lc.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	lc.writeMu.Unlock()
	_ = lc.conn.Close()
}
