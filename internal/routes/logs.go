package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/audit"
	"github.com/yanix/gateway/internal/logstream"
	"github.com/yanix/gateway/internal/settings"
)

var wsUpgrader = websocket.Upgrader{
	// Authentication is enforced through the auth token, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// queryTokenAuth authenticates requests that carry the auth token as
// ?token=. Neither EventSource nor the browser WebSocket API can set an
// Authorization header. PocketBase's global loadAuthToken middleware runs
// before route-level Bind, so the auth record is resolved here directly.
func queryTokenAuth() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "queryTokenAuth",
		// after loadAuthToken (-1020), before RequireAuth (0)
		Priority: -1019,
		Func: func(e *core.RequestEvent) error {
			if e.Auth != nil {
				return e.Next()
			}
			tok := e.Request.URL.Query().Get("token")
			if tok == "" {
				return e.Next()
			}
			record, err := e.App.FindAuthRecordByToken(tok, core.TokenTypeAuth)
			if err == nil && record != nil {
				e.Auth = record
			}
			return e.Next()
		},
	}
}

// registerLogRoutes registers the live log stream routes.
//
//	GET /api/ext/servers/{hostLabel}/{dockerId}/logs/stream?lastSeq= - Server-Sent Events
//	GET /api/ext/servers/{hostLabel}/{dockerId}/logs/ws?lastSeq=     - WebSocket
func registerLogRoutes(g *router.RouterGroup[*core.RequestEvent], h *handlers) {
	l := g.Group("/servers/{hostLabel}/{dockerId}/logs")
	l.Bind(queryTokenAuth())

	l.GET("/stream", h.handleLogStream)
	l.GET("/ws", h.handleLogWS)
}

func (h *handlers) handleLogStream(e *core.RequestEvent) error {
	ref, err := h.resolveStream(e)
	if err != nil {
		return writeError(e, err)
	}

	w, err := logstream.NewSSEWriter(e.Response)
	if err != nil {
		return writeError(e, err)
	}
	h.runStream(e.Request.Context(), e, w, ref, "sse")
	return nil
}

func (h *handlers) handleLogWS(e *core.RequestEvent) error {
	ref, err := h.resolveStream(e)
	if err != nil {
		return writeError(e, err)
	}

	conn, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(e.Request.Context())
	defer cancel()

	// The client never sends data frames; reading surfaces close frames
	// and answers pings.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.runStream(ctx, e, logstream.NewWSWriter(conn), ref, "ws")
	return nil
}

func (h *handlers) resolveStream(e *core.RequestEvent) (access.ContainerRef, error) {
	hostLabel, dockerID := containerPath(e)
	return h.Gateway.Access.Resolve(e.Request.Context(), principal(e), hostLabel, dockerID)
}

// runStream serves one session and audits its start and end. Write errors
// mean the client went away and are only logged.
func (h *handlers) runStream(ctx context.Context, e *core.RequestEvent, w logstream.EventWriter, ref access.ContainerRef, transport string) {
	host, _, _ := h.Inventory.Host(ref.HostLabel)
	cfg := settings.LoadLogStream(e.App, h.StreamDefaults)

	streamer := *h.Streamer
	streamer.TTL = cfg.TTL
	streamer.KeepAlive = cfg.KeepAlive

	req := logstream.OpenRequest{
		Ref:      ref,
		Endpoint: host.BrokerURL,
		LastSeq:  lastSeqParam(e),
		ClientID: uuid.NewString(),
	}

	userID, userEmail, ip, ua := clientInfo(e)
	detail := map[string]any{"session_id": req.ClientID, "transport": transport}
	if req.LastSeq != nil {
		detail["last_seq"] = *req.LastSeq
	}
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:      audit.ActionStreamOpen,
		HostLabel:   ref.HostLabel,
		ContainerID: ref.DockerID,
		Status:      audit.StatusSuccess,
		IP:          ip,
		UserAgent:   ua,
		Detail:      detail,
	})

	startedAt := time.Now().UTC()
	err := streamer.Open(ctx, w, req)
	if err != nil {
		log.Debug().Str("component", "routes").Str("container", ref.DockerID).Str("session", req.ClientID).Err(err).Msg("log stream client gone")
	}

	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:      audit.ActionStreamClose,
		HostLabel:   ref.HostLabel,
		ContainerID: ref.DockerID,
		Status:      audit.StatusSuccess,
		IP:          ip,
		Detail: map[string]any{
			"session_id": req.ClientID,
			"started_at": startedAt.Format(time.RFC3339),
			"ended_at":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}
