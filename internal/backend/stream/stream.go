// Package stream implements the push change-feed contract over the hosted
// service's websocket endpoint. The wire protocol is phoenix-channel framing:
// a channel is joined per table with a postgres_changes binding, heartbeats
// keep the socket alive, and row changes arrive as postgres_changes events.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend"
)

const heartbeatInterval = 25 * time.Second

// Client dials realtime subscriptions against one backend project.
type Client struct {
	wsURL  string
	apiKey string
	logger *zap.Logger
}

// NewClient creates a realtime client for the backend at baseURL.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	ws := strings.TrimRight(baseURL, "/")
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return &Client{
		wsURL:  ws + "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0",
		apiKey: apiKey,
		logger: logger,
	}
}

// frame is the phoenix-channel envelope.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status string `json:"status"`
}

type changesPayload struct {
	Data struct {
		Type   string          `json:"type"`
		Table  string          `json:"table"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

// Subscribe joins the channel for table and streams matching change events.
// A dial failure is returned synchronously; everything after that arrives on
// the subscription's status channel.
func (c *Client) Subscribe(ctx context.Context, table string, event backend.ChangeType) (backend.Subscription, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		conn:   conn,
		topic:  "realtime:public:" + table,
		table:  table,
		events: make(chan backend.ChangeEvent, 64),
		status: make(chan backend.SubscriptionStatus, 8),
		cancel: cancel,
		logger: c.logger,
	}

	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": string(event), "schema": "public", "table": table},
			},
		},
	}
	if err := sub.send(ctx, "phx_join", join); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "join failed")
		return nil, fmt.Errorf("stream: join %s: %w", table, err)
	}

	go sub.readLoop(ctx)
	go sub.heartbeatLoop(ctx)
	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	topic  string
	table  string
	events chan backend.ChangeEvent
	status chan backend.SubscriptionStatus
	cancel context.CancelFunc
	logger *zap.Logger

	mu  sync.Mutex
	ref int

	unsubOnce sync.Once
}

func (s *subscription) Events() <-chan backend.ChangeEvent        { return s.events }
func (s *subscription) Status() <-chan backend.SubscriptionStatus { return s.status }

// Unsubscribe leaves the channel and releases the socket. The event and
// status channels are closed by the read loop once the socket goes down.
func (s *subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.send(ctx, "phx_leave", map[string]any{})
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
}

func (s *subscription) send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	s.ref++
	ref := s.ref
	s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame{
		Topic:   s.topic,
		Event:   event,
		Payload: raw,
		Ref:     strconv.Itoa(ref),
	})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop is the sole writer and closer of the events/status channels.
func (s *subscription) readLoop(ctx context.Context) {
	defer close(s.events)
	defer close(s.status)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.pushStatus(backend.StatusChannelError)
			}
			s.pushStatus(backend.StatusClosed)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			if s.logger != nil {
				s.logger.Warn("stream: bad frame", zap.Error(err))
			}
			continue
		}
		if f.Topic != s.topic {
			continue
		}

		switch f.Event {
		case "phx_reply":
			var reply replyPayload
			if json.Unmarshal(f.Payload, &reply) != nil {
				continue
			}
			switch reply.Status {
			case "ok":
				s.pushStatus(backend.StatusSubscribed)
			case "error":
				s.pushStatus(backend.StatusChannelError)
			case "timeout":
				s.pushStatus(backend.StatusTimedOut)
			}
		case "phx_error":
			s.pushStatus(backend.StatusChannelError)
		case "phx_close":
			s.pushStatus(backend.StatusClosed)
		case "postgres_changes":
			evt, ok := parseChange(s.table, f.Payload)
			if !ok {
				continue
			}
			select {
			case s.events <- evt:
			default:
				// Slow consumer; drop rather than stall the socket. The
				// polling fallback re-covers anything dropped here.
				if s.logger != nil {
					s.logger.Warn("stream: event buffer full, dropping", zap.String("table", s.table))
				}
			}
		}
	}
}

func (s *subscription) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.ref++
			ref := s.ref
			s.mu.Unlock()
			data, _ := json.Marshal(frame{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage("{}"),
				Ref:     strconv.Itoa(ref),
			})
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) pushStatus(st backend.SubscriptionStatus) {
	select {
	case s.status <- st:
	default:
	}
}

// parseChange translates a postgres_changes payload into a ChangeEvent.
func parseChange(table string, payload json.RawMessage) (backend.ChangeEvent, bool) {
	var cp changesPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return backend.ChangeEvent{}, false
	}
	if len(cp.Data.Record) == 0 {
		return backend.ChangeEvent{}, false
	}
	if cp.Data.Table != "" {
		table = cp.Data.Table
	}
	return backend.ChangeEvent{
		Type:   backend.ChangeType(cp.Data.Type),
		Table:  table,
		Record: cp.Data.Record,
	}, true
}

var _ backend.Realtime = (*Client)(nil)
