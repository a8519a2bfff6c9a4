package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the gateway in front of the service.
	CheckOrigin: func(*http.Request) bool { return true },
}

var (
	errConnClosed = stderrors.New("connection closed")
	errSlowReader = stderrors.New("send buffer full")
)

// ServeRoom upgrades the request to a websocket attached to a running room. The player
// is joined on connect and leaves on disconnect.
func (a *API) ServeRoom(c *gin.Context) {
	playerID := c.GetHeader(playerHeader)
	if playerID == "" {
		playerID = c.Query("player_id")
	}
	if playerID == "" {
		abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing player id")))
		return
	}

	room, err := a.rooms.Room(c.Param("room"))
	if err != nil {
		abort(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	conn := newConn(ws)
	go conn.writePump()

	if err := room.Join(ctx, playerID, conn); err != nil {
		if !errors.Is(err, errors.CodePermissionDenied) && !errors.Is(err, errors.CodeAlreadyExists) {
			conn.sendError(errors.Convert(err), session.EventJoinError)
		}
		_ = conn.Close()
		return
	}

	conn.readPump(ctx, room, playerID)
}

// conn adapts a websocket to session.Conn. Sends are queued and written by writePump,
// so a slow reader never blocks the room.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *conn) Send(b []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		return errSlowReader
	}
}

// Close stops the connection once the queued messages have been written.
func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *conn) sendError(e *errors.Error, fallback string) {
	b, err := session.Encode(e.Event(fallback), session.ErrorData{Code: int(e.Code), Message: e.Message})
	if err != nil {
		return
	}
	_ = c.Send(b)
}

func (c *conn) write(messageType int, b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, b)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-c.closed:
			for {
				select {
				case b := <-c.send:
					if err := c.write(websocket.TextMessage, b); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *conn) readPump(ctx context.Context, room *session.Room, playerID string) {
	defer func() {
		if err := room.Leave(ctx, playerID, c); err != nil && !errors.Is(err, errors.CodeFailedPrecondition) {
			slog.WarnContext(ctx, "api: leave room failed", "room", room.ID(), "player", playerID, "error", err)
		}
		_ = c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "api: websocket read failed", "room", room.ID(), "player", playerID, "error", err)
			}
			return
		}

		err = c.dispatch(ctx, room, playerID, b)
		switch {
		case err == nil:
		case stderrors.Is(err, errConnClosed), errors.Is(err, errors.CodeFailedPrecondition):
			// The room has ended or the connection was dropped.
			return
		default:
			c.sendError(errors.Convert(err), session.EventError)
		}
	}
}

// dispatch decodes one inbound message and hands it to the room.
func (c *conn) dispatch(ctx context.Context, room *session.Room, playerID string, b []byte) error {
	var m session.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return invalid(session.EventError, err)
	}

	switch m.Event {
	case session.EventPing:
		msg, err := session.Encode(session.EventPong, nil)
		if err != nil {
			return err
		}
		return c.Send(msg)

	case session.EventGetGameData:
		return room.GetGameData(ctx, playerID)

	case session.EventAnswer:
		var req session.AnswerRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return invalid(session.EventAnswerError, err)
		}
		return room.Answer(ctx, playerID, req)

	case session.EventPowerUpUse:
		var req session.PowerUpRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return invalid(session.EventPowerUpError, err)
		}
		return room.UsePowerUp(ctx, playerID, req)

	case session.EventTwoAnswerGuess:
		var req session.GuessRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return invalid(session.EventPowerUpError, err)
		}
		return room.Guess(ctx, playerID, req)

	case session.EventGetGameLost:
		return room.GetGameLost(ctx, playerID)

	case session.EventGetQuestion:
		return room.GetQuestion(ctx, playerID)

	default:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown event %q", m.Event),
			errors.WithEvent(session.EventError))
	}
}

func invalid(event string, err error) error {
	return errors.New(errors.CodeInvalidArgument,
		errors.WithCause(err),
		errors.WithMessagef("malformed message: %v", err),
		errors.WithEvent(event))
}
