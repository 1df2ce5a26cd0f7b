package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daviddao/scenemesh/pkg/model"
)

// Op is the envelope operation on the WebSocket wire.
type Op string

const (
	// OpHello opens a session; carries the participant's User.
	OpHello Op = "hello"
	// OpPublish carries a frame from a participant to the relay.
	OpPublish Op = "publish"
	// OpSnapshot is a snapshot request (client to relay) or one snapshot
	// frame (relay to client).
	OpSnapshot Op = "snapshot"
	// OpFanout carries a frame from the relay to subscribers.
	OpFanout Op = "fanout"
	// OpUser replaces the sender's roster entry.
	OpUser Op = "user"
)

// Envelope is one WebSocket text message.
type Envelope struct {
	Op    Op          `json:"op"`
	Frame *Frame      `json:"frame,omitempty"`
	User  *model.User `json:"user,omitempty"`
	// Seq numbers snapshot requests; the relay echoes it on every frame of
	// the answering stream.
	Seq uint64 `json:"seq,omitempty"`
}

// Options tunes a WebSocket client. Zero values take defaults.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Header         http.Header
	Logger         *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client is a Transport over a gorilla WebSocket connection to a relay.
type Client struct {
	conn *websocket.Conn
	user string
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex
	snapMu  sync.Mutex

	inbox *Queue
	snap  *Queue
	// seqMu orders the reader's check-and-push against a new request.
	seqMu   sync.Mutex
	snapSeq uint64

	latency atomic.Int64
	closing atomic.Bool
	done    chan struct{}
	stop    chan struct{}
}

var _ Transport = (*Client)(nil)

// Dial connects to the relay at url as user. The handshake is bounded by
// opts.ConnectTimeout; failure is a single ErrTransport.
func Dial(ctx context.Context, url string, user model.User, opts Options) (*Client, error) {
	opts.withDefaults()
	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}
	conn, _, err := dialer.DialContext(dctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", url, model.ErrTransport, err)
	}

	c := &Client{
		conn:  conn,
		user:  user.Username,
		opts:  opts,
		log:   opts.Logger.With("component", "ws-client", "user", user.Username),
		inbox: NewQueue(),
		snap:  NewQueue(),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	conn.SetPongHandler(c.onPong)

	if err := c.write(Envelope{Op: OpHello, User: &user}); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return fmt.Errorf("write %s: %w", env.Op, ErrClosed)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w: %w", env.Op, model.ErrTransport, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			cause := fmt.Errorf("read: %w: %w", model.ErrTransport, err)
			if c.closing.Load() {
				cause = ErrClosed
			} else {
				c.log.Warn("connection lost", "error", err)
			}
			c.inbox.Close(cause)
			c.snap.Close(cause)
			return
		}
		if env.Frame == nil {
			continue
		}
		if err := env.Frame.Validate(); err != nil {
			c.log.Warn("dropping frame", "error", err)
			continue
		}
		switch env.Op {
		case OpSnapshot:
			c.pushSnapshot(env)
		case OpFanout:
			c.inbox.Push(*env.Frame)
		default:
			c.log.Debug("ignoring envelope", "op", env.Op)
		}
	}
}

// pushSnapshot queues a frame of the current snapshot stream. Frames left
// over from an abandoned request are dropped.
func (c *Client) pushSnapshot(env Envelope) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if env.Seq != c.snapSeq {
		c.log.Debug("dropping stale snapshot frame", "seq", env.Seq, "want", c.snapSeq, "uuid", env.Frame.UUID)
		return
	}
	c.snap.Push(*env.Frame)
}

// nextSnapshot starts a new snapshot stream and discards what an earlier,
// abandoned one left queued.
func (c *Client) nextSnapshot() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.snapSeq++
	c.snap.Pop(0)
	return c.snapSeq
}

func (c *Client) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case now := <-t.C:
			payload := []byte(strconv.FormatInt(now.UnixNano(), 10))
			if err := c.conn.WriteControl(websocket.PingMessage, payload, now.Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", "error", err)
			}
		}
	}
}

func (c *Client) onPong(appData string) error {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return nil
	}
	c.latency.Store(time.Now().UnixNano() - sent)
	return nil
}

// Publish sends f to the relay's collector, stamping the sender.
func (c *Client) Publish(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Sender == "" {
		f.Sender = c.user
	}
	return c.write(Envelope{Op: OpPublish, Frame: &f})
}

// Snapshot requests the relay's graph and collects frames until
// SnapshotEnd. ctx bounds the wait. A request abandoned on timeout does not
// leak its frames into the next one.
func (c *Client) Snapshot(ctx context.Context) ([]Frame, error) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	seq := c.nextSnapshot()
	if err := c.write(Envelope{Op: OpSnapshot, Seq: seq}); err != nil {
		return nil, err
	}
	var out []Frame
	for {
		frames, err := c.snap.Wait(ctx, 0, 100*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w: %w", model.ErrTransport, err)
		}
		for _, f := range frames {
			if f.IsSnapshotEnd() {
				return out, nil
			}
			out = append(out, f)
		}
	}
}

// Receive polls the fan-out inbox.
func (c *Client) Receive(ctx context.Context, max int, timeout time.Duration) ([]Frame, error) {
	return c.inbox.Wait(ctx, max, timeout)
}

// UpdateUser replaces this participant's roster entry on the relay.
func (c *Client) UpdateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.Username = c.user
	u.Latency = c.Latency()
	return c.write(Envelope{Op: OpUser, User: &u})
}

// Latency returns the last ping round trip.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// Close sends a close message and waits for the reader to exit.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		<-c.done
		return nil
	}
	close(c.stop)
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	err := c.conn.Close()
	<-c.done
	return err
}
