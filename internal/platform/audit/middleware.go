package audit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dicomvault/dicomvault/internal/platform/auth"
)

// studyUIDContextKey is the echo context key handlers use to annotate the
// request with the study UID they resolved.
const studyUIDContextKey = "audit_study_uid"

// actionContextKey is the echo context key handlers use to override the
// method-derived action code.
const actionContextKey = "audit_action"

// SetStudyUID annotates the request so the audit middleware attaches the
// study UID to the recorded event. Handlers call this once the resource has
// been resolved.
func SetStudyUID(c echo.Context, uid string) {
	c.Set(studyUIDContextKey, uid)
}

// SetAction overrides the action recorded for the request. Handlers use it
// when the HTTP method alone does not describe the access, such as reading
// the identified original of an instance.
func SetAction(c echo.Context, action string) {
	c.Set(actionContextKey, action)
}

// auditablePrefixes are the route groups that touch stored imaging data.
// The stateless /api/v1/dicom endpoints are excluded: they operate on
// caller-supplied bytes and persist nothing.
var auditablePrefixes = []string{
	"/api/v1/studies",
	"/api/v1/instances",
	"/api/v1/uploads",
	"/api/v1/audit",
}

// Middleware returns Echo middleware that records PHI access on the imaging
// API routes. It extracts the authenticated user from the request context,
// derives the resource from the URL path, and honors the X-Break-Glass
// header as an emergency-override marker.
//
// If no Recorder is provided, events go to the structured log only. Recorder
// failures are logged and never fail the audited request.
func Middleware(logger zerolog.Logger, recorders ...Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			// Execute the handler first so the response status is known.
			err := next(c)

			ev := Event{
				ID:        uuid.New().String(),
				Time:      time.Now().UTC(),
				Path:      path,
				Method:    req.Method,
				IP:        c.RealIP(),
				UserAgent: req.UserAgent(),
			}

			ctx := req.Context()
			ev.UserID = auth.UserIDFromContext(ctx)
			ev.Roles = auth.RolesFromContext(ctx)

			if rid, ok := c.Get("request_id").(string); ok {
				ev.RequestID = rid
			}

			ev.Action = httpMethodToAction(req.Method)
			if action, ok := c.Get(actionContextKey).(string); ok && action != "" {
				ev.Action = action
			}
			ev.ResourceType, ev.ResourceID = extractResource(path)

			if uid, ok := c.Get(studyUIDContextKey).(string); ok {
				ev.StudyUID = uid
			}

			ev.StatusCode = resolveStatus(c, err)
			ev.Outcome = OutcomeSuccess
			if ev.StatusCode >= http.StatusBadRequest {
				ev.Outcome = OutcomeFailure
			}

			if reason := req.Header.Get("X-Break-Glass"); reason != "" {
				ev.BreakGlass = true
				ev.BreakGlassReason = reason
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].Record(ctx, ev); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", ev.RequestID).
						Msg("failed to record audit event")
				}
			}

			// Always emit a structured log for the audit trail.
			evt := logger.Info()
			if ev.BreakGlass {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_audit").
				Str("audit_id", ev.ID).
				Str("request_id", ev.RequestID).
				Str("user_id", ev.UserID).
				Strs("user_roles", ev.Roles).
				Str("resource_type", ev.ResourceType).
				Str("resource_id", ev.ResourceID).
				Str("study_uid", ev.StudyUID).
				Str("action", ev.Action).
				Str("method", ev.Method).
				Str("path", ev.Path).
				Str("remote_ip", ev.IP).
				Int("status", ev.StatusCode).
				Str("outcome", ev.Outcome).
				Bool("break_glass", ev.BreakGlass).
				Str("break_glass_reason", ev.BreakGlassReason).
				Msg("phi_access")

			return err
		}
	}
}

// resolveStatus determines the response status. When the handler returned
// an error the response has not been written yet, so the status comes from
// the error itself.
func resolveStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// isAuditablePath returns true if the path belongs to an audited route group.
func isAuditablePath(path string) bool {
	for _, prefix := range auditablePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// httpMethodToAction maps HTTP methods to audit action codes.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource parses the resource type and ID from an API path.
//
// Supported patterns:
//   - /api/v1/studies              -> studies, ""
//   - /api/v1/studies/<uuid>       -> studies, <uuid>
//   - /api/v1/uploads/<uuid>/chunks/3 -> uploads, <uuid>
func extractResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	if len(segments) > 1 && isUUIDLike(segments[1]) {
		return segments[0], segments[1]
	}
	return segments[0], ""
}

// isUUIDLike checks if a string parses as a UUID.
func isUUIDLike(s string) bool {
	if len(s) < 1 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
