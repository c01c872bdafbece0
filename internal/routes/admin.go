package routes

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/audit"
	"github.com/yanix/gateway/internal/hostapi"
	"github.com/yanix/gateway/internal/store"
)

// requireAdmin allows superusers and users flagged is_admin.
func requireAdmin() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "requireAdmin",
		Func: func(e *core.RequestEvent) error {
			if !store.IsAdmin(e.Auth) {
				return e.JSON(http.StatusForbidden, map[string]any{"message": "admin access required"})
			}
			return e.Next()
		},
	}
}

// registerAdminRoutes registers admin-only routes.
//
//	DELETE /api/ext/admin/containers/{dockerId}                            - remove a container on whichever host runs it
//	GET    /api/ext/admin/hosts/{hostLabel}/templates                      - templates the host offers
//	GET    /api/ext/admin/hosts/{hostLabel}/templates/{template}/placeholders - values a template expects
//	POST   /api/ext/admin/hosts/{hostLabel}/servers                        - create a server from a template
func registerAdminRoutes(g *router.RouterGroup[*core.RequestEvent], h *handlers) {
	a := g.Group("/admin")
	a.Bind(requireAdmin())

	a.DELETE("/containers/{dockerId}", h.handleRemoveContainer)
	a.GET("/hosts/{hostLabel}/templates", h.handleTemplates)
	a.GET("/hosts/{hostLabel}/templates/{template}/placeholders", h.handlePlaceholders)
	a.POST("/hosts/{hostLabel}/servers", h.handleCreateServer)
}

func (h *handlers) handleRemoveContainer(e *core.RequestEvent) error {
	dockerID := e.Request.PathValue("dockerId")
	hostLabel, _ := h.Inventory.FindHost(dockerID)

	res, err := h.Gateway.Remove(e.Request.Context(), dockerID)

	userID, userEmail, ip, ua := clientInfo(e)
	entry := audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:      audit.ActionRemove,
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
	audit.Write(e.App, entry)

	h.refresh(hostLabel)
	return e.JSON(http.StatusOK, res)
}

// hostClient returns the API client of a configured host.
func (h *handlers) hostClient(label string) (*hostapi.Client, error) {
	_, client, ok := h.Inventory.Host(label)
	if !ok {
		return nil, fmt.Errorf("host %q not configured: %w", label, access.ErrNotFound)
	}
	return client, nil
}

func (h *handlers) handleTemplates(e *core.RequestEvent) error {
	client, err := h.hostClient(e.Request.PathValue("hostLabel"))
	if err != nil {
		return writeError(e, err)
	}
	res, err := client.Templates(e.Request.Context())
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, res)
}

func (h *handlers) handlePlaceholders(e *core.RequestEvent) error {
	client, err := h.hostClient(e.Request.PathValue("hostLabel"))
	if err != nil {
		return writeError(e, err)
	}
	res, err := client.Placeholders(e.Request.Context(), e.Request.PathValue("template"))
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, res)
}

type createServerBody struct {
	ServerID string            `json:"serverId"`
	Template string            `json:"template"`
	Values   map[string]string `json:"values"`
}

func (h *handlers) handleCreateServer(e *core.RequestEvent) error {
	hostLabel := e.Request.PathValue("hostLabel")

	var body createServerBody
	if err := e.BindBody(&body); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "invalid request body"})
	}
	body.ServerID = strings.TrimSpace(body.ServerID)
	body.Template = strings.TrimSpace(body.Template)
	if body.ServerID == "" || body.Template == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "serverId and template are required"})
	}

	client, err := h.hostClient(hostLabel)
	if err != nil {
		return writeError(e, err)
	}
	res, err := client.CreateServer(e.Request.Context(), hostapi.CreateServerRequest{
		ServerID: body.ServerID,
		Template: body.Template,
		Values:   body.Values,
	})

	userID, userEmail, ip, ua := clientInfo(e)
	entry := audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:    audit.ActionServerCreate,
		HostLabel: hostLabel,
		Status:    audit.StatusSuccess,
		IP:        ip,
		UserAgent: ua,
		Detail:    map[string]any{"serverId": body.ServerID, "template": body.Template},
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.Detail["error"] = err.Error()
		audit.Write(e.App, entry)
		return writeError(e, err)
	}
	audit.Write(e.App, entry)

	h.refresh(hostLabel)
	return e.JSON(http.StatusOK, res)
}
