package routes

import (
	"strconv"
	"strings"

	"github.com/pocketbase/pocketbase/core"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/store"
)

// clientInfo returns the caller's id, email, IP and user agent for audit
// entries.
func clientInfo(e *core.RequestEvent) (userID, userEmail, ip, userAgent string) {
	if e.Auth != nil {
		userID = e.Auth.Id
		userEmail = e.Auth.GetString("email")
	}
	return userID, userEmail, e.RealIP(), e.Request.Header.Get("User-Agent")
}

func principal(e *core.RequestEvent) access.Principal {
	if e.Auth == nil {
		return access.Principal{}
	}
	return access.Principal{ID: e.Auth.Id, IsAdmin: store.IsAdmin(e.Auth)}
}

// containerPath returns the hostLabel and dockerId path values.
func containerPath(e *core.RequestEvent) (string, string) {
	return e.Request.PathValue("hostLabel"), e.Request.PathValue("dockerId")
}

// lastSeqParam parses ?lastSeq=. Anything but a non-negative integer is
// ignored and the stream starts from the full backlog.
func lastSeqParam(e *core.RequestEvent) *uint64 {
	raw := strings.TrimSpace(e.Request.URL.Query().Get("lastSeq"))
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
