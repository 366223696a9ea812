package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fishtank.ai/internal/protocol"
	"fishtank.ai/internal/replica"
)

// Client connects one replica to a relay room. It is the doc's Provider:
// local commits go out through Send, sequenced updates come back on Updates
// and must be applied by the goroutine that owns the doc.
type Client struct {
	conn   *websocket.Conn
	room   string
	logger *log.Logger

	in   chan replica.Update
	out  chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error

	// resending is only touched by the goroutine that owns the doc.
	resending bool

	sentTotal     atomic.Uint64
	receivedTotal atomic.Uint64
	rejectedTotal atomic.Uint64
}

type ClientStats struct {
	Sent     uint64
	Received uint64
	Rejected uint64
}

// Dial connects to the relay at rawURL, joins room and loads its SYNC into
// doc. On return doc is synced and attached; pending local transactions were
// resent. Call it from the goroutine that owns doc.
func Dial(ctx context.Context, rawURL, room string, doc *replica.Doc, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if room != "" {
		q := u.Query()
		q.Set("room", room)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientID:        doc.ClientID(),
		Room:            room,
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sm, err := readSync(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		room:   sm.Room,
		logger: logger,
		in:     make(chan replica.Update, 1024),
		out:    make(chan []byte, 1024),
		done:   make(chan struct{}),
		ctx:    cctx,
		cancel: cancel,
	}

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	go c.writeLoop()
	go c.readLoop()

	doc.Load(sm.State)
	c.resending = true
	doc.SetProvider(c)
	c.resending = false
	if c.ctx.Err() != nil {
		err := c.Err()
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		doc.SetProvider(nil)
		_ = c.Close()
		return nil, fmt.Errorf("resend pending: %w", err)
	}
	doc.MarkSynced()
	return c, nil
}

func readSync(conn *websocket.Conn) (protocol.SyncMsg, error) {
	var sm protocol.SyncMsg
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sm, err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return sm, err
	}
	switch base.Type {
	case protocol.TypeSync:
	case protocol.TypeError:
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		return sm, &RemoteError{Code: e.Code, Message: e.Message}
	default:
		return sm, fmt.Errorf("expected SYNC, got %q", base.Type)
	}
	if err := json.Unmarshal(msg, &sm); err != nil {
		return sm, err
	}
	if sm.State == nil {
		sm.State = replica.NewState()
	}
	return sm, nil
}

// RemoteError is an ERROR message from the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

func (c *Client) Room() string { return c.room }

// Send queues a committed local update. If the socket cannot keep up the
// connection is dropped; the doc keeps the update pending and resends it on
// the next Dial. Resends during Dial wait for the writer instead.
func (c *Client) Send(u replica.Update) {
	b, err := json.Marshal(protocol.UpdateMsg{Type: protocol.TypeUpdate, ProtocolVersion: protocol.Version, Update: u})
	if err != nil {
		return
	}
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	if c.resending {
		timer := time.NewTimer(writeTimeout)
		defer timer.Stop()
		select {
		case c.out <- b:
			c.sentTotal.Add(1)
		case <-c.ctx.Done():
		case <-timer.C:
			c.fail(fmt.Errorf("resend stalled"))
		}
		return
	}
	select {
	case c.out <- b:
		c.sentTotal.Add(1)
	default:
		c.fail(fmt.Errorf("send queue full"))
	}
}

// Updates delivers sequenced updates in order.
func (c *Client) Updates() <-chan replica.Update { return c.in }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Sent:     c.sentTotal.Load(),
		Received: c.receivedTotal.Load(),
		Rejected: c.rejectedTotal.Load(),
	}
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.fail(nil)
	<-c.done
	return nil
}

func (c *Client) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.cancel()
	})
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.Close()
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.fail(err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.fail(nil)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeUpdate:
			var um protocol.UpdateMsg
			if err := json.Unmarshal(msg, &um); err != nil {
				continue
			}
			select {
			case c.in <- um.Update:
				c.receivedTotal.Add(1)
			case <-c.ctx.Done():
				return
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			c.rejectedTotal.Add(1)
			if c.logger != nil {
				c.logger.Printf("relay error room=%s code=%s: %s", c.room, e.Code, e.Message)
			}
		}
	}
}
