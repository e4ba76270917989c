package study

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/platform/audit"
	"github.com/dicomvault/dicomvault/internal/platform/auth"
	"github.com/dicomvault/dicomvault/pkg/dicomweb"
	"github.com/dicomvault/dicomvault/pkg/pagination"
)

// ScopeRead is the token scope required for study and instance reads.
const ScopeRead = "studies.read"

// Handler exposes the study and instance query API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the study and instance routes on the API group.
// Reads require the studies.read scope; deleting a study is admin only.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	readScope := auth.RequireScope(ScopeRead)

	studies := api.Group("/studies")
	studies.GET("", h.Search, readScope)
	studies.GET("/:id", h.Get, readScope)
	studies.GET("/:id/instances", h.ListInstances, readScope)
	studies.DELETE("/:id", h.Delete, auth.RequireRole(auth.RoleAdmin))

	instances := api.Group("/instances")
	instances.GET("/:id", h.GetInstance, readScope)
	instances.GET("/:id/metadata", h.InstanceMetadata, readScope)
	instances.GET("/:id/content", h.InstanceContent, readScope)
}

// Search returns studies matching the query filters, newest first.
// Filters: modality, patient (pseudonymous patient ID), from/to (YYYY-MM-DD).
func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := Filter{
		Modality:        c.QueryParam("modality"),
		PseudoPatientID: c.QueryParam("patient"),
		Limit:           pg.Limit,
		Offset:          pg.Offset,
	}
	if v := c.QueryParam("from"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
		}
		f.DateFrom = ts
	}
	if v := c.QueryParam("to"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
		}
		f.DateTo = ts
	}

	studies, total, err := h.svc.SearchStudies(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if studies == nil {
		studies = []*Study{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(studies, total, pg.Limit, pg.Offset).WithLinks("/api/v1/studies"))
}

// Get returns a single study.
func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c, "invalid study id")
	if err != nil {
		return err
	}
	st, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	audit.SetStudyUID(c, st.StudyUID)
	return c.JSON(http.StatusOK, st)
}

// ListInstances returns the instances of a study in ingest order.
func (h *Handler) ListInstances(c echo.Context) error {
	id, err := parseID(c, "invalid study id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	st, err := h.svc.GetStudy(ctx, id)
	if err != nil {
		return httpError(err)
	}
	audit.SetStudyUID(c, st.StudyUID)

	insts, err := h.svc.ListInstances(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if insts == nil {
		insts = []*Instance{}
	}
	return c.JSON(http.StatusOK, insts)
}

// Delete removes a study, its instances, and their stored content.
func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c, "invalid study id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	st, err := h.svc.GetStudy(ctx, id)
	if err != nil {
		return httpError(err)
	}
	audit.SetStudyUID(c, st.StudyUID)

	if err := h.svc.DeleteStudy(ctx, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetInstance returns a single instance record.
func (h *Handler) GetInstance(c echo.Context) error {
	id, err := parseID(c, "invalid instance id")
	if err != nil {
		return err
	}
	inst, err := h.svc.GetInstance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	audit.SetStudyUID(c, inst.Metadata.StudyInstanceUID)
	return c.JSON(http.StatusOK, inst)
}

// InstanceMetadata returns the de-identified metadata of an instance.
// ?format=dicomweb renders it in the DICOM JSON model.
func (h *Handler) InstanceMetadata(c echo.Context) error {
	id, err := parseID(c, "invalid instance id")
	if err != nil {
		return err
	}
	inst, err := h.svc.GetInstance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	audit.SetStudyUID(c, inst.Metadata.StudyInstanceUID)

	switch c.QueryParam("format") {
	case "", "json":
		return c.JSON(http.StatusOK, inst.Metadata)
	case "dicomweb":
		return c.JSON(http.StatusOK, dicomweb.FromMetadata(inst.Metadata))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown metadata format")
	}
}

// InstanceContent streams the stored object. The de-identified body is the
// default; ?variant=original returns the identified upload and is restricted
// to admins and auditors, with the access recorded as read_original.
func (h *Handler) InstanceContent(c echo.Context) error {
	id, err := parseID(c, "invalid instance id")
	if err != nil {
		return err
	}

	variant := c.QueryParam("variant")
	if variant == VariantOriginal {
		roles := auth.RolesFromContext(c.Request().Context())
		if !auth.HasRole(roles, auth.RoleAuditor) {
			return echo.NewHTTPError(http.StatusForbidden, "original content requires the admin or auditor role")
		}
		audit.SetAction(c, "read_original")
	}

	data, inst, blob, err := h.svc.InstanceContent(c.Request().Context(), id, variant)
	if err != nil {
		return httpError(err)
	}
	audit.SetStudyUID(c, inst.Metadata.StudyInstanceUID)

	etag := `"` + blob.Hash + `"`
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}
	c.Response().Header().Set("ETag", etag)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", inst.SOPUID+".dcm"))
	return c.Blob(http.StatusOK, blob.ContentType, data)
}

func parseID(c echo.Context, msg string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, msg)
	}
	return id, nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	case errors.Is(err, ErrInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	case errors.Is(err, ErrUnknownVariant):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
