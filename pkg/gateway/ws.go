package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Content of maxContentRunes may
	// arrive as \u escaped surrogate pairs, 12 bytes a rune, plus the frame fields.
	maxMessageSize = maxContentRunes*12 + 4096

	sendBuffer     = 256
	requestTimeout = 10 * time.Second
)

var (
	newline = []byte{'\n'}

	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Client frame types.
const (
	frameSubscribe = "subscribe"
	frameRead      = "read"
	frameSend      = "send"
)

// Server reply types, pushed events use model.EventType.
const (
	frameSubscribed = "subscribed"
	frameAck        = "ack"
	frameError      = "error"
)

type clientFrame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`

	ReceiverID  string       `json:"receiver_id,omitempty"`
	IsGroup     bool         `json:"is_group,omitempty"`
	MessageID   snowflake.ID `json:"message_id,omitempty"`
	Content     string       `json:"content,omitempty"`
	RecipientID string       `json:"recipient_id,omitempty"`
}

type replyFrame struct {
	Type           string         `json:"type"`
	Ref            string         `json:"ref,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
	MessageID      snowflake.ID   `json:"message_id,omitempty"`
	Error          *errorBody     `json:"error,omitempty"`
}

// wsClient is a middleman between the websocket connection and the core.
// It implements registry.Conn.
type wsClient struct {
	svc *Service
	log *slog.Logger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	token        string
	userID       string
	connectionID string
}

func newWSClient(svc *Service, log *slog.Logger, token string) *wsClient {
	return &wsClient{
		svc:   svc,
		log:   log,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		token: token,
	}
}

// Push never blocks. A client that cannot keep up is disconnected and will
// catch up by pulling history.
func (c *wsClient) Push(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsClient) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		_ = c.Close()
		return errSlowConsumer
	}
}

func (c *wsClient) reply(f replyFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("marshal reply", "connection_id", c.connectionID, "err", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		c.log.Debug("reply dropped", "connection_id", c.connectionID, "err", err)
	}
}

// readPump pumps frames from the websocket connection to the service.
func (c *wsClient) readPump() {
	defer func() {
		c.svc.Disconnect(c.connectionID)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.svc.Touch(c.connectionID)
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read failed", "connection_id", c.connectionID, "err", err)
			}
			return
		}
		c.svc.Touch(c.connectionID)

		var f clientFrame
		if err := json.Unmarshal(bytes.TrimSpace(message), &f); err != nil {
			c.reply(errorFrame("", errs.Field("frame", "must be a JSON object")))
			continue
		}
		c.handle(f)
	}
}

func (c *wsClient) handle(f clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch f.Type {
	case frameSubscribe:
		conv, err := c.svc.Subscribe(ctx, c.token, c.connectionID, f.ReceiverID, f.IsGroup)
		if err != nil {
			c.reply(errorFrame(f.Ref, err))
			return
		}
		c.reply(replyFrame{Type: frameSubscribed, Ref: f.Ref, ConversationID: conv})

	case frameRead:
		if err := c.svc.MarkRead(ctx, c.token, f.MessageID); err != nil {
			c.reply(errorFrame(f.Ref, err))
			return
		}
		c.reply(replyFrame{Type: frameAck, Ref: f.Ref, MessageID: f.MessageID})

	case frameSend:
		m, err := c.svc.PostMessage(ctx, c.token, PostMessageRequest{
			Content:     f.Content,
			RecipientID: f.RecipientID,
			IsGroup:     f.IsGroup,
		})
		if err != nil {
			c.reply(errorFrame(f.Ref, err))
			return
		}
		c.reply(replyFrame{Type: frameAck, Ref: f.Ref, Message: &m})

	default:
		c.reply(errorFrame(f.Ref, errs.Field("type", "unknown frame type")))
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued frames to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		// Browsers cannot set headers on a websocket handshake.
		token = r.URL.Query().Get("token")
	}

	client := newWSClient(h.svc, h.log, token)
	id, connID, err := h.svc.Connect(r.Context(), token, client)
	if err != nil {
		writeError(w, r, err)
		return
	}
	client.userID = id.UserID
	client.connectionID = connID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", id.UserID, "err", err)
		h.svc.Disconnect(connID)
		return
	}
	client.conn = conn

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
