package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/priceverse/priceverse/internal/cache"
	"github.com/priceverse/priceverse/internal/config"
	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/market"
)

const streamWriteTimeout = 10 * time.Second

// streamHandler serves streamPrices subscriptions over a websocket.
// The client sends one envelope naming the pairs; the server replies
// with an async sequence of price frames until abort or idle timeout.
type streamHandler struct {
	redis    *redis.Client
	cfg      config.StreamingConfig
	upgrader websocket.Upgrader
}

func newStreamHandler(client *redis.Client, cfg config.StreamingConfig) *streamHandler {
	return &streamHandler{
		redis: client,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	defer conn.Close()

	var req Request
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&req); err != nil {
		h.writeError(conn, "", errs.Wrap(errs.InvalidParams, "malformed subscribe envelope", err))
		return
	}
	if req.Method != "streamPrices" {
		h.writeError(conn, req.ID, errs.Newf(errs.InvalidParams, "unsupported stream method %q", req.Method))
		return
	}

	var in struct {
		Pairs []string `json:"pairs"`
	}
	if err := json.Unmarshal(req.Input, &in); err != nil {
		h.writeError(conn, req.ID, errs.Wrap(errs.InvalidParams, "malformed input", err))
		return
	}
	if len(in.Pairs) == 0 {
		h.writeError(conn, req.ID, errs.New(errs.InvalidParams, "pairs must not be empty"))
		return
	}
	pairs := make([]market.Pair, 0, len(in.Pairs))
	for _, raw := range in.Pairs {
		pair, err := market.ParsePair(raw)
		if err != nil {
			h.writeError(conn, req.ID, err)
			return
		}
		pairs = append(pairs, pair)
	}

	sub, err := cache.Subscribe(r.Context(), h.redis, pairs, h.cfg.MaxQueueSize)
	if err != nil {
		h.writeError(conn, req.ID, err)
		return
	}
	defer sub.Close()

	// Reader pump: the client never sends again after subscribing, so
	// any read result means it went away.
	abort := make(chan struct{})
	go func() {
		defer close(abort)
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(h.cfg.IdleTimeout())
	defer idle.Stop()

	for {
		select {
		case <-abort:
			h.writeError(conn, req.ID, errs.New(errs.StreamAborted, "subscription aborted"))
			return
		case <-r.Context().Done():
			h.writeError(conn, req.ID, errs.New(errs.StreamAborted, "server shutting down"))
			return
		case <-idle.C:
			h.writeError(conn, req.ID, errs.Newf(errs.StreamTimeout,
				"no updates within %s", h.cfg.IdleTimeout()))
			return
		case p, ok := <-sub.Updates():
			if !ok {
				h.writeError(conn, req.ID, errs.New(errs.StreamAborted, "subscription closed"))
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(h.cfg.IdleTimeout())

			frame := success(req.ID, PriceReply{
				Pair:      string(p.Pair),
				Price:     p.Price,
				Timestamp: p.Time(),
			})
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Msg("stream write failed, dropping subscriber")
				return
			}
		}
	}
}

func (h *streamHandler) writeError(conn *websocket.Conn, id string, err error) {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	_ = conn.WriteJSON(failure(id, err))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
