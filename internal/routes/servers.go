package routes

import (
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/audit"
	"github.com/yanix/gateway/internal/gateway"
	"github.com/yanix/gateway/internal/hostapi"
	"github.com/yanix/gateway/internal/inventory"
)

// registerServerRoutes registers container routes.
//
//	GET  /api/ext/servers/allinfo                         - containers visible to the caller
//	GET  /api/ext/servers/{hostLabel}/{dockerId}          - one container
//	POST /api/ext/servers/{hostLabel}/{dockerId}/exec     - run a command
//	POST /api/ext/servers/{hostLabel}/{dockerId}/{action} - start, stop or restart
func registerServerRoutes(g *router.RouterGroup[*core.RequestEvent], h *handlers) {
	s := g.Group("/servers")
	s.GET("/allinfo", h.handleAllInfo)
	s.GET("/{hostLabel}/{dockerId}", h.handleContainer)
	s.POST("/{hostLabel}/{dockerId}/exec", h.handleExec)
	s.POST("/{hostLabel}/{dockerId}/{action}", h.handleAction)
}

// handleAllInfo lists the snapshot, filtered by access rules. An optional
// ?hostLabel= narrows the list to one host.
func (h *handlers) handleAllInfo(e *core.RequestEvent) error {
	hostLabel := strings.TrimSpace(e.Request.URL.Query().Get("hostLabel"))

	all := h.Inventory.All()
	refs := make([]access.ContainerRef, 0, len(all))
	for _, c := range all {
		if hostLabel == "" || c.HostLabel == hostLabel {
			refs = append(refs, c.Ref())
		}
	}

	visible, err := h.Gateway.Access.Visible(e.Request.Context(), principal(e), refs)
	if err != nil {
		return writeError(e, err)
	}

	out := make([]inventory.ContainerInfo, 0, len(visible))
	for _, ref := range visible {
		if c, ok := h.Inventory.Container(ref.HostLabel, ref.DockerID); ok {
			out = append(out, c)
		}
	}
	return e.JSON(http.StatusOK, out)
}

func (h *handlers) handleContainer(e *core.RequestEvent) error {
	hostLabel, dockerID := containerPath(e)
	ref, err := h.Gateway.Access.Resolve(e.Request.Context(), principal(e), hostLabel, dockerID)
	if err != nil {
		return writeError(e, err)
	}
	c, ok := h.Inventory.Container(ref.HostLabel, ref.DockerID)
	if !ok {
		return e.JSON(http.StatusNotFound, map[string]any{"message": "container not found"})
	}
	return e.JSON(http.StatusOK, c)
}

func (h *handlers) handleExec(e *core.RequestEvent) error {
	hostLabel, dockerID := containerPath(e)

	var req gateway.ExecRequest
	if err := e.BindBody(&req); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "invalid request body"})
	}

	result, err := h.Gateway.Execute(e.Request.Context(), principal(e), hostLabel, dockerID, req)

	userID, userEmail, ip, ua := clientInfo(e)
	entry := audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:      audit.ActionExec,
		HostLabel:   hostLabel,
		ContainerID: dockerID,
		Status:      audit.StatusSuccess,
		IP:          ip,
		UserAgent:   ua,
		Detail:      map[string]any{"cmd": req.Cmd, "mode": req.Mode},
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.Detail["error"] = err.Error()
		audit.Write(e.App, entry)
		return writeError(e, err)
	}
	audit.Write(e.App, entry)

	return e.JSON(http.StatusOK, result)
}

func (h *handlers) handleAction(e *core.RequestEvent) error {
	hostLabel, dockerID := containerPath(e)

	action, err := hostapi.ParseAction(e.Request.PathValue("action"))
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": err.Error()})
	}

	summary, err := h.Gateway.Action(e.Request.Context(), principal(e), hostLabel, dockerID, action)

	userID, userEmail, ip, ua := clientInfo(e)
	entry := audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:      actionAudit[action],
		HostLabel:   hostLabel,
		ContainerID: dockerID,
		Status:      audit.StatusSuccess,
		IP:          ip,
		UserAgent:   ua,
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.Detail = map[string]any{"error": err.Error()}
		audit.Write(e.App, entry)
		return writeError(e, err)
	}
	entry.Detail = map[string]any{"state": summary.ContainerState}
	audit.Write(e.App, entry)

	h.refresh(hostLabel)
	return e.JSON(http.StatusOK, summary)
}

var actionAudit = map[hostapi.Action]string{
	hostapi.ActionStart:   audit.ActionStart,
	hostapi.ActionStop:    audit.ActionStop,
	hostapi.ActionRestart: audit.ActionRestart,
}
