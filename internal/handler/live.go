package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/service"
)

const (
	// liveWriteWait bounds every frame write. A websocket write that hits
	// its deadline leaves the connection unusable, so we hang up.
	liveWriteWait = 10 * time.Second
	// livePongWait is how long a silent client is kept.
	livePongWait = 60 * time.Second
	// livePingPeriod must stay under livePongWait.
	livePingPeriod = livePongWait * 9 / 10
	// liveReadLimit caps inbound frames. Clients only send control frames.
	liveReadLimit = 512
)

// LiveHandler pushes live snapshots over a websocket.
//
// HTTP: GET /api/live?topic=<topic>   (Upgrade: websocket)
//
// TOPICS:
//
//	conversations     → the signed-in user's inbox
//	messages:<cid>    → one conversation's messages (participants only)
//	counters:<uid>    → any user's follower/following counts
//
// Each text frame is a full snapshot, never a diff:
//
//	{"topic": "messages:alice_bob", "data": [...], "stale": false}
//
// When the store fails to refresh a query the last data is sent again with
// "stale": true and an "error" class; the feed keeps running. The socket is
// closed with 1001 (going away) when the server shuts the feed down.
//
// The subscription is opened before the upgrade, so a bad topic or a
// non-participant gets an ordinary JSON error response instead of a socket.
type LiveHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	relationships *service.RelationshipService
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

// NewLiveHandler creates a LiveHandler. The upgrader keeps gorilla's
// default same-origin check.
func NewLiveHandler(
	conversations *service.ConversationService,
	messages *service.MessageService,
	relationships *service.RelationshipService,
	logger *slog.Logger,
) *LiveHandler {
	return &LiveHandler{
		conversations: conversations,
		messages:      messages,
		relationships: relationships,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// liveFrame is one snapshot on the wire.
type liveFrame[T any] struct {
	Topic string `json:"topic"`
	Data  T      `json:"data"`
	Stale bool   `json:"stale,omitempty"`
	Error string `json:"error,omitempty"`
}

func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	topic := r.URL.Query().Get("topic")
	kind, arg, _ := strings.Cut(topic, ":")
	ctx := r.Context()

	switch {
	case topic == "conversations":
		feed, err := h.conversations.WatchForUser(ctx, actor)
		if err != nil {
			h.reject(w, topic, err)
			return
		}
		serveFeed(h, w, r, topic, feed)

	case kind == "messages" && arg != "":
		feed, err := h.messages.Stream(ctx, actor, arg)
		if err != nil {
			h.reject(w, topic, err)
			return
		}
		serveFeed(h, w, r, topic, feed)

	case kind == "counters" && arg != "":
		feed, err := h.relationships.WatchCounters(ctx, arg)
		if err != nil {
			h.reject(w, topic, err)
			return
		}
		serveFeed(h, w, r, topic, feed)

	default:
		writeError(w, apperror.ValidationFailed("topic",
			`topic must be "conversations", "messages:<id>" or "counters:<uid>"`))
	}
}

func (h *LiveHandler) reject(w http.ResponseWriter, topic string, err error) {
	logFailure(h.logger, "live subscribe failed", err, slog.String("topic", topic))
	writeError(w, err)
}

// serveFeed upgrades the connection and relays feed until either side
// goes away. The feed is released on every path out.
//
// GOROUTINES:
// The calling goroutine writes data frames. A reader goroutine drains
// inbound frames (gorilla only answers pings and notices a close while
// something is reading) and a pinger keeps idle sockets alive; either one
// cancels ctx when the connection dies, which unblocks feed.Next.
func serveFeed[T any](h *LiveHandler, w http.ResponseWriter, r *http.Request, topic string, feed *service.Feed[T]) {
	defer feed.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("live upgrade failed", slog.String("error", err.Error()))
		return
	}

	var wg conc.WaitGroup
	defer wg.Wait()
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wg.Go(func() {
		defer cancel()
		readLoop(conn)
	})
	wg.Go(func() {
		defer cancel()
		pingLoop(ctx, conn)
	})

	h.logger.Debug("live feed opened", slog.String("topic", topic))
	defer h.logger.Debug("live feed closed", slog.String("topic", topic))

	for {
		upd, err := feed.Next(ctx)
		if err != nil {
			if errors.Is(err, service.ErrFeedClosed) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(liveWriteWait))
			}
			return
		}

		frame := liveFrame[T]{Topic: topic, Data: upd.Value, Stale: upd.Stale}
		if upd.Err != nil {
			_, frame.Error = statusFor(upd.Err)
			h.logger.Warn("live feed refresh failed",
				slog.String("topic", topic),
				slog.String("error", upd.Err.Error()),
			)
		}

		data, err := sonic.Marshal(frame)
		if err != nil {
			h.logger.Error("live frame encoding failed", slog.String("error", err.Error()))
			return
		}

		conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readLoop discards client frames until the connection fails or closes.
func readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(liveReadLimit)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// pingLoop pings the client until ctx ends. WriteControl may run
// concurrently with the data writer.
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		}
	}
}
