package routes

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/gateway"
	"github.com/yanix/gateway/internal/hostapi"
)

// writeError maps a service error onto the HTTP answer. Upstream host
// errors are mirrored with their status and payload.
func writeError(e *core.RequestEvent, err error) error {
	var invalid *gateway.InvalidCommandError
	if ue, ok := hostapi.AsUpstream(err); ok {
		return e.JSON(ue.Status, ue.Payload)
	}

	switch {
	case errors.As(err, &invalid):
		return e.JSON(http.StatusBadRequest, map[string]any{"message": invalid.Error()})
	case errors.Is(err, gateway.ErrDockerIDRequired):
		return e.JSON(http.StatusBadRequest, map[string]any{"message": err.Error()})
	case errors.Is(err, access.ErrNotFound):
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	case errors.Is(err, access.ErrForbidden):
		return e.JSON(http.StatusForbidden, map[string]any{"message": err.Error()})
	}

	log.Error().Str("component", "routes").Str("path", e.Request.URL.Path).Err(err).Msg("request failed")
	return e.JSON(http.StatusInternalServerError, map[string]any{"message": "internal error"})
}
