package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gateline/internal/engine"
)

const wsWriteTimeout = 10 * time.Second

// streamHandler upgrades to a websocket and pushes log events as they are
// appended. after defaults to the current head; kinds is a comma separated filter.
func streamHandler(e *engine.Engine, logger *zap.Logger, allowedOrigins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFromContext(r.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		q := r.URL.Query()
		var after int64
		if raw := q.Get("after"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid after", map[string]any{"after": raw}))
				return
			}
			after = parsed
		} else {
			head, err := e.Store.LastSeq(r.Context())
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			after = head
		}
		var kinds []string
		for _, k := range strings.Split(q.Get("kinds"), ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}

		upgrader := websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r, allowedOrigins)
			},
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		events := e.Subscribe(ctx, after, kinds)

		go func() {
			defer cancel()
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						return
					}
					if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
						return
					}
					if err := conn.WriteJSON(eventResponse(evt)); err != nil {
						logger.Debug("websocket write failed", zap.Error(err))
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Reads only detect the client going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(origin, a) || strings.EqualFold(originHost, a) {
				return true
			}
		}
		return false
	}
	host := r.Host
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	return strings.EqualFold(originHost, strings.Trim(host, "[]"))
}
