package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/platform/auth"
	"github.com/dicomvault/dicomvault/pkg/pagination"
)

// Handler serves the audit query API for auditors.
type Handler struct {
	log Log
}

func NewHandler(log Log) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit", h.ListEvents, auth.RequireRole(auth.RoleAuditor))
}

// ListEvents returns audit events matching the query filters, newest first.
// Filters: user_id, action, resource_type, study_uid, break_glass,
// from/to (RFC 3339).
func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := Filter{
		UserID:       c.QueryParam("user_id"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		StudyUID:     c.QueryParam("study_uid"),
		Limit:        pg.Limit,
		Offset:       pg.Offset,
	}

	if v := c.QueryParam("break_glass"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid break_glass value")
		}
		f.BreakGlass = &b
	}
	if v := c.QueryParam("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from timestamp, want RFC 3339")
		}
		f.From = ts
	}
	if v := c.QueryParam("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to timestamp, want RFC 3339")
		}
		f.To = ts
	}

	events, total, err := h.log.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []Event{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset).WithLinks("/api/v1/audit"))
}
