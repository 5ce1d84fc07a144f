package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/amora/realtime/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

// OperationError is a request the gateway answered with success=false.
type OperationError struct {
	Op      string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("client: %s failed: %s", e.Op, e.Message)
}

type pendingOp struct {
	op      string
	created time.Time
	done    chan opResult
}

type opResult struct {
	data json.RawMessage
	err  error
}

// SendMessage persists content in the conversation and returns the stored message id.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (int64, error) {
	var res protocol.Result
	req := protocol.SendMessageRequest{ConversationID: conversationID, Content: content}
	if err := c.request(ctx, protocol.OpMessageSend, req, &res); err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, &OperationError{Op: protocol.OpMessageSend, Message: res.Error}
	}
	return res.MessageID, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	return c.simple(ctx, protocol.OpNotificationRead, protocol.MarkReadRequest{NotificationID: notificationID})
}

// OnlineUsers lists the users currently connected anywhere in the fleet.
func (c *Client) OnlineUsers(ctx context.Context) ([]int64, error) {
	var res protocol.OnlineUsers
	if err := c.request(ctx, protocol.OpPresenceOnline, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.UserIDs, nil
}

// JoinRoom subscribes to room events. Joined rooms are re-joined after every reconnect.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if err := c.simple(ctx, protocol.OpRoomJoin, protocol.RoomRequest{RoomID: roomID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// LeaveRoom forgets the room even when the request itself fails, so it is never re-joined.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	return c.simple(ctx, protocol.OpRoomLeave, protocol.RoomRequest{RoomID: roomID})
}

func (c *Client) simple(ctx context.Context, op string, req any) error {
	var res protocol.Result
	if err := c.request(ctx, op, req, &res); err != nil {
		return err
	}
	if !res.Success {
		return &OperationError{Op: op, Message: res.Error}
	}
	return nil
}

func (c *Client) request(ctx context.Context, op string, req, out any) error {
	c.mu.Lock()
	s, state := c.session, c.state
	c.mu.Unlock()
	if state != StateConnected || s == nil {
		return ErrNotConnected
	}
	return c.roundTrip(ctx, s.tr, op, req, out)
}

// roundTrip sends one request frame on tr and waits for the response carrying the same id.
func (c *Client) roundTrip(ctx context.Context, tr transport, op string, req, out any) error {
	id := "c" + strconv.FormatUint(c.seq.Add(1), 10)
	frame, err := protocol.EncodeRequest(id, op, req)
	if err != nil {
		return err
	}

	p := &pendingOp{op: op, created: c.clock.Now(), done: make(chan opResult, 1)}
	c.pendingMu.Lock()
	if c.isClosed() {
		c.pendingMu.Unlock()
		return ErrClosed
	}
	c.pending[id] = p
	c.pendingMu.Unlock()

	if err := tr.send(ctx, frame); err != nil {
		c.forget(id)
		return err
	}

	select {
	case r := <-p.done:
		if r.err != nil {
			return r.err
		}
		if out != nil {
			if err := json.Unmarshal(r.data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) resolve(id string, data json.RawMessage) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Response without pending request", "id", id)
		return
	}
	p.done <- opResult{data: data}
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pending {
		p.done <- opResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func sweepInterval(timeout time.Duration) time.Duration {
	return max(timeout/4, 10*time.Millisecond)
}

// sweep fails requests that have waited longer than RequestTimeout.
func (c *Client) sweep(ticker clockwork.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.expire(c.clock.Now())
		case <-c.closed:
			return
		}
	}
}

func (c *Client) expire(now time.Time) int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	expired := 0
	for id, p := range c.pending {
		if now.Sub(p.created) < c.cfg.RequestTimeout {
			continue
		}
		p.done <- opResult{err: fmt.Errorf("%w: %s", ErrOperationTimeout, p.op)}
		delete(c.pending, id)
		expired++
	}
	if expired > 0 {
		c.logger.Warn("Requests timed out", "count", expired)
	}
	return expired
}
