package pushfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/orderdesk/internal/orders"
	"github.com/agentworkforce/orderdesk/internal/ordersync"
)

// Events the server pushes.
const (
	EventNewOrder     = "new-order"
	EventOrderUpdated = "order-updated"
	EventOrderEdited  = "order-edited"
	EventOrderDeleted = "order-deleted"
)

var ErrNotConnected = errors.New("push feed not connected")

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	readLimit         = 4 << 20
)

type Logger interface {
	Printf(format string, args ...any)
}

// Target receives the actions decoded from pushed events.
type Target interface {
	Dispatch(action ordersync.Action) error
}

// Frame is the envelope of every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Meta is the server's annotation on pushed order events.
type Meta struct {
	TeamType    string    `json:"teamType,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	DeletedBy   string    `json:"deletedBy,omitempty"`
	TargetTeams []string  `json:"targetTeams,omitempty"`
}

type orderEvent struct {
	Order json.RawMessage `json:"order"`
	Meta  Meta            `json:"_meta"`
}

// Registration identifies this client to the server after each connect.
type Registration struct {
	orders.Viewer
	SessionID string `json:"sessionId"`
}

type Options struct {
	Viewer     orders.Viewer
	Token      string
	HTTPClient *http.Client
	Logger     Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnReconnect runs after every successful connect but the first, so the
	// caller can refetch what was pushed while disconnected.
	OnReconnect func(ctx context.Context)
}

// Client keeps a websocket to the push server open, turns pushed order
// events into coordinator actions and sends this client's own events.
type Client struct {
	url         string
	target      Target
	viewer      orders.Viewer
	token       string
	httpClient  *http.Client
	logger      Logger
	minBackoff  time.Duration
	maxBackoff  time.Duration
	onReconnect func(ctx context.Context)
	sessionID   string

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions int
}

func New(url string, target Target, opts Options) *Client {
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = max(defaultMaxBackoff, minBackoff)
	}
	return &Client{
		url:         strings.TrimSpace(url),
		target:      target,
		viewer:      opts.Viewer,
		token:       strings.TrimSpace(opts.Token),
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
		onReconnect: opts.OnReconnect,
		sessionID:   uuid.NewString(),
	}
}

func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and reads until ctx is done, reconnecting with jittered
// exponential backoff whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	delay := c.minBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.minBackoff
		}
		wait := jitter(delay)
		c.logf("push feed disconnected: %v; reconnecting in %s", err, wait)
		if err := waitWithContext(ctx, wait); err != nil {
			return err
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

// Emit sends one event. It fails with ErrNotConnected while the feed is down;
// the caller decides whether the event matters enough to retry.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, event)
	}
	return writeFrame(ctx, conn, event, payload)
}

func (c *Client) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set("X-Session-Id", c.sessionID)
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if err := writeFrame(ctx, conn, ordersync.EventRegister, Registration{Viewer: c.viewer, SessionID: c.sessionID}); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.sessions++
	reconnect := c.sessions > 1
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	c.logf("push feed connected as %s (session %s)", c.viewer.Name, c.sessionID)
	if reconnect && c.onReconnect != nil {
		c.onReconnect(ctx)
	}

	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("closed by server")
			}
			return true, err
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame Frame) {
	var build func(orders.Order) ordersync.Action
	switch frame.Event {
	case EventNewOrder:
		build = ordersync.PushCreated
	case EventOrderUpdated, EventOrderEdited:
		build = ordersync.PushUpdated
	case EventOrderDeleted:
		build = ordersync.PushDeleted
	default:
		return
	}
	var payload orderEvent
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		c.logf("dropping %s event: %v", frame.Event, err)
		return
	}
	order, err := orders.DecodeOrder(payload.Order)
	if err != nil {
		c.logf("dropping %s event: %v", frame.Event, err)
		return
	}
	if c.target == nil {
		return
	}
	if err := c.target.Dispatch(build(order)); err != nil {
		c.logf("applying %s for %s: %v", frame.Event, order, err)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return wsjson.Write(ctx, conn, Frame{Event: event, Data: data})
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
