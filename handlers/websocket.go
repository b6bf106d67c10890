package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/karthikraju391/greenmarket-chat/composer"
	"github.com/karthikraju391/greenmarket-chat/config"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/session"
)

const (
	sendTimeout    = 30 * time.Second
	enqueueTimeout = time.Second
)

var errBadFrame = errors.New("unsupported frame")

type Client struct {
	Conn           *websocket.Conn
	Session        *session.Session
	ConversationID string
	UserID         string
	Outbound       chan ServerFrame // Frames for the writer goroutine
	DoneChan       chan struct{}    // Closed when the reader exits

	server config.ServerConfig
	logger *slog.Logger
}

func NewClient(conn *websocket.Conn, convoID, userID string, server config.ServerConfig, logger *slog.Logger) *Client {
	return &Client{
		Conn:           conn,
		ConversationID: convoID,
		UserID:         userID,
		Outbound:       make(chan ServerFrame, 256),
		DoneChan:       make(chan struct{}),
		server:         server,
		logger:         logger.With("userId", userID, "conversationId", convoID),
	}
}

// enqueue hands a frame to the writer without blocking feed delivery for
// long.
func (c *Client) enqueue(f ServerFrame) {
	select {
	case c.Outbound <- f:
	case <-time.After(enqueueTimeout):
		c.logger.Warn("Timeout queuing frame", "type", f.Type)
	case <-c.DoneChan:
	}
}

func (c *Client) events() session.Events {
	return session.Events{
		OnMessage: func(m models.Message) {
			c.enqueue(ServerFrame{Type: FrameMessage, Message: &m})
		},
		OnNotify: func(m models.Message) {
			c.enqueue(ServerFrame{Type: FrameNotify, Message: &m})
		},
		OnConnectivity: func(connected bool) {
			c.enqueue(statusFrame(connected))
		},
		OnConversation: func(conv models.Conversation) {
			c.enqueue(ServerFrame{Type: FrameConversation, Conversation: &conv})
		},
		OnResynced: func(msgs []models.Message) {
			c.enqueue(ServerFrame{Type: FrameHistory, Messages: msgs})
		},
	}
}

// HandleRead reads client frames and dispatches them to the session.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		c.logger.Info("Reader closed")
		close(c.DoneChan)
	}()
	c.Conn.SetReadLimit(c.server.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.server.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.server.PongWait))
		return nil
	})

	for {
		var frame ClientFrame
		if err := c.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", "error", err)
			} else {
				c.logger.Info("WebSocket closed", "error", err)
			}
			return
		}
		c.enqueue(c.dispatch(ctx, frame))
	}
}

// dispatch runs one client frame and returns the reply frame.
func (c *Client) dispatch(ctx context.Context, frame ClientFrame) ServerFrame {
	switch frame.Type {
	case FrameSend:
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		msg, err := c.Session.Send(sendCtx, composer.Draft{Text: frame.Text, Location: frame.Location})
		if err != nil {
			return c.failed("send", err)
		}
		return ServerFrame{Type: FrameSent, Message: msg}

	case FrameLocation:
		if frame.Location == nil {
			return errorFrame(fmt.Errorf("%w: location frame without a location", errBadFrame))
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		msg, err := c.Session.SendLocation(sendCtx, *frame.Location)
		if err != nil {
			return c.failed("send location", err)
		}
		return ServerFrame{Type: FrameSent, Message: msg}

	case FrameStage:
		if frame.File == nil {
			return errorFrame(fmt.Errorf("%w: stage frame without a file", errBadFrame))
		}
		f, err := frame.File.decode()
		if err != nil {
			return errorFrame(fmt.Errorf("%w: %w", errBadFrame, err))
		}
		staged, err := c.Session.Stage(f)
		if err != nil {
			return c.failed("stage", err)
		}
		return ServerFrame{Type: FrameStaged, Staged: stagedInfo(staged)}

	case FrameClearAttachment:
		c.Session.ClearAttachment()
		return ServerFrame{Type: FrameStaged}

	default:
		return errorFrame(fmt.Errorf("%w: %q", errBadFrame, frame.Type))
	}
}

func (c *Client) failed(op string, err error) ServerFrame {
	c.logger.Warn("Client request failed", "op", op, "error", err)
	return errorFrame(err)
}

// HandleWrite writes queued frames to the WebSocket connection and keeps
// it alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(c.server.PingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Info("Writer closed")
	}()

	for {
		select {
		case frame := <-c.Outbound:
			c.Conn.SetWriteDeadline(time.Now().Add(c.server.WriteWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.server.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("WebSocket ping error", "error", err)
				return
			}

		case <-c.DoneChan:
			return
		}
	}
}

// HandleWebSocket manages the lifecycle of one chat connection: it opens
// the viewer's session, streams live frames and tears everything down when
// the socket closes.
func (s *Server) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals(localViewerID).(string)
	conversationID := conn.Params("conversationID")

	client := NewClient(conn, conversationID, userID, s.cfg, s.logger)
	client.Session = session.New(userID, s.sessionDeps, client.events())
	client.logger.Info("Client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		client.Session.Close()
		conn.Close()
		client.logger.Info("Client cleaned up")
	}()

	snap, err := client.Session.Open(ctx, conversationID)
	// The writer is not running yet, so these writes go out directly and
	// the snapshot precedes every frame queued while binding.
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err != nil {
		client.logger.Warn("Failed to open conversation", "error", err)
		conn.WriteJSON(errorFrame(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "conversation unavailable"))
		return
	}
	if err := conn.WriteJSON(ServerFrame{Type: FrameSnapshot, Snapshot: snap}); err != nil {
		client.logger.Warn("WebSocket write error", "error", err)
		return
	}

	go client.HandleWrite()
	client.HandleRead(ctx)
}
