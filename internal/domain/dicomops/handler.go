// Package dicomops serves the stateless DICOM processing endpoints:
// validation, metadata extraction and de-identification of caller-supplied
// bytes. Nothing is persisted and no PHI outlives the request.
package dicomops

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/dicom"
	"github.com/dicomvault/dicomvault/internal/platform/auth"
	"github.com/dicomvault/dicomvault/internal/platform/telemetry"
	"github.com/dicomvault/dicomvault/pkg/dicomweb"
)

// ScopeProcess is the token scope required for the processing endpoints.
const ScopeProcess = "dicom.process"

// defaultMaxBody matches the blob store's object ceiling.
const defaultMaxBody = int64(512) << 20

// Handler serves the /dicom processing routes.
type Handler struct {
	maxBody int64
	tel     *telemetry.TelemetryProvider
}

// NewHandler returns a handler accepting bodies up to maxBody bytes;
// zero or negative selects the default ceiling.
func NewHandler(maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Handler{maxBody: maxBody}
}

func (h *Handler) SetTelemetry(tp *telemetry.TelemetryProvider) { h.tel = tp }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	processScope := auth.RequireScope(ScopeProcess)

	g := api.Group("/dicom")
	g.POST("/validate", h.Validate, processScope)
	g.POST("/metadata", h.Metadata, processScope)
	g.POST("/anonymize", h.Anonymize, processScope)
}

// Validate reports whether the body is a well-formed Part 10 stream.
func (h *Handler) Validate(c echo.Context) error {
	data, err := h.readBody(c)
	if err != nil {
		return err
	}
	h.count("validate")

	valid := dicom.IsValid(data)
	if !valid && h.tel != nil {
		h.tel.Pipeline().ValidationFailure()
	}
	return c.JSON(http.StatusOK, map[string]bool{"valid": valid})
}

// Metadata extracts the well-known attribute set from the body.
// ?format=dicomweb renders the DICOM JSON model instead.
func (h *Handler) Metadata(c echo.Context) error {
	data, err := h.readBody(c)
	if err != nil {
		return err
	}
	h.count("metadata")

	ds, err := dicom.Parse(data)
	if err != nil {
		return h.parseError(err)
	}
	meta := dicom.Extract(ds)

	switch c.QueryParam("format") {
	case "", "json":
		return c.JSON(http.StatusOK, meta)
	case "dicomweb":
		return c.JSON(http.StatusOK, dicomweb.FromMetadata(meta))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown metadata format")
	}
}

// Anonymize returns the de-identified rendition of the body. Offsets never
// move, so the response length equals the request length; the number of
// rewritten elements is reported in X-Deid-Actions.
func (h *Handler) Anonymize(c echo.Context) error {
	data, err := h.readBody(c)
	if err != nil {
		return err
	}
	h.count("anonymize")

	out, report, err := dicom.Anonymize(data)
	if err != nil {
		return h.parseError(err)
	}
	if h.tel != nil {
		h.tel.Pipeline().Deidentification()
	}

	c.Response().Header().Set("X-Deid-Actions", strconv.Itoa(report.Count()))
	return c.Blob(http.StatusOK, "application/dicom", out)
}

func (h *Handler) readBody(c echo.Context) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBody+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if int64(len(data)) > h.maxBody {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds limit")
	}
	if len(data) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty request body")
	}
	return data, nil
}

func (h *Handler) parseError(err error) error {
	if h.tel != nil {
		if errors.Is(err, dicom.ErrNotDICOM) {
			h.tel.Pipeline().ValidationFailure()
		} else {
			h.tel.Pipeline().ParseError()
		}
	}
	return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
}

func (h *Handler) count(op string) {
	if h.tel != nil {
		h.tel.DicomOperationCounter(op)
	}
}
