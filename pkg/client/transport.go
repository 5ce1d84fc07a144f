package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/amora/realtime/internal/platform/version"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	closeWait      = 2 * time.Second
	maxFrameSize   = 64 * 1024
	transportWS    = "websocket"
	transportPoll  = "polling"
	userAgentHdr   = "User-Agent"
	authHeader     = "Authorization"
	bearerPrefix   = "Bearer "
	contentTypeHdr = "Content-Type"
)

// transport moves raw frames. run blocks delivering inbound frames until the transport fails
// or ctx ends; send may be called concurrently with run.
type transport interface {
	name() string
	run(ctx context.Context, deliver func([]byte)) error
	send(ctx context.Context, frame []byte) error
	close()
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

func (c *Client) dialWS(ctx context.Context, token string) (transport, error) {
	header := http.Header{}
	header.Set(authHeader, bearerPrefix+token)
	header.Set(userAgentHdr, version.Product())

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: websocket upgrade refused", ErrAuthFailed)
		}
		return nil, fmt.Errorf("%w: dial websocket: %v", ErrTransport, err)
	}
	conn.SetReadLimit(maxFrameSize)

	t := &wsTransport{conn: conn, readTimeout: c.cfg.ReadTimeout}
	_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return t, nil
}

func (t *wsTransport) name() string { return transportWS }

func (t *wsTransport) run(ctx context.Context, deliver func([]byte)) error {
	stop := context.AfterFunc(ctx, t.close)
	defer stop()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return classifyWSError(err)
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		deliver(data)
	}
}

func classifyWSError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == protocol.CloseAuthFailed {
			return fmt.Errorf("%w: %s", ErrAuthFailed, ce.Text)
		}
		return fmt.Errorf("%w: closed by server (%d %s)", ErrTransport, ce.Code, ce.Text)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func (t *wsTransport) send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

func (t *wsTransport) close() {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		_ = t.conn.Close()
	})
}

// pollTransport speaks the long-polling protocol: one outstanding GET at a time, requests as POSTs.
type pollTransport struct {
	http      *http.Client
	url       string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *Client) dialPoll(ctx context.Context, token string) (transport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build poll request: %v", ErrTransport, err)
	}
	req.Header.Set(authHeader, bearerPrefix+token)
	req.Header.Set(userAgentHdr, version.Product())

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: open poll: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var ce protocol.ConnectionError
		_ = json.NewDecoder(resp.Body).Decode(&ce)
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, ce.Error)
	default:
		return nil, fmt.Errorf("%w: open poll: status %d", ErrTransport, resp.StatusCode)
	}

	var open protocol.PollOpen
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil || open.ConnectionID == "" {
		return nil, fmt.Errorf("%w: malformed poll open response", ErrTransport)
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		http:   c.cfg.HTTPClient,
		url:    c.pollURL + "/" + open.ConnectionID,
		ctx:    tctx,
		cancel: cancel,
	}, nil
}

func (t *pollTransport) name() string { return transportPoll }

func (t *pollTransport) run(ctx context.Context, deliver func([]byte)) error {
	stop := context.AfterFunc(ctx, t.close)
	defer stop()

	for {
		frames, err := t.poll()
		if err != nil {
			return err
		}
		for _, f := range frames {
			deliver(f)
		}
	}
}

func (t *pollTransport) poll() ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build poll: %v", ErrTransport, err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: poll closed", ErrTransport)
		}
		return nil, fmt.Errorf("%w: poll: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var frames []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
			return nil, fmt.Errorf("%w: decode poll: %v", ErrTransport, err)
		}
		return frames, nil
	case http.StatusGone:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("%w: closed by server (%s)", ErrTransport, body.Error)
	default:
		return nil, fmt.Errorf("%w: poll: status %d", ErrTransport, resp.StatusCode)
	}
}

func (t *pollTransport) send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("%w: build send: %v", ErrTransport, err)
	}
	req.Header.Set(contentTypeHdr, "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send: %v", ErrTransport, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: send: status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}

// close stops polling and tells the gateway to release the connection.
func (t *pollTransport) close() {
	t.closeOnce.Do(func() {
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), closeWait)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if err != nil {
			return
		}
		if resp, err := t.http.Do(req); err == nil {
			_ = resp.Body.Close()
		}
	})
}
