package upload

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/dicom"
	"github.com/dicomvault/dicomvault/internal/platform/auth"
)

// missingChunkCap bounds the missing-chunk list in status responses so a
// fresh multi-gigabyte session does not enumerate every index.
const missingChunkCap = 50

// Handler serves the chunked upload API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	uploads := api.Group("/uploads")
	canUpload := auth.RequireRole(auth.RoleAdmin, auth.RoleUploader)

	uploads.POST("", h.CreateSession, canUpload)
	uploads.GET("/:id", h.GetSession)
	uploads.PUT("/:id/chunks/:index", h.PutChunk, canUpload)
	uploads.POST("/:id/complete", h.CompleteSession, canUpload)
	uploads.DELETE("/:id", h.AbortSession, canUpload)
}

// CreateRequest is the body of POST /uploads.
type CreateRequest struct {
	Filename     string   `json:"filename"`
	TotalSize    int64    `json:"total_size"`
	ChunkSize    int64    `json:"chunk_size,omitempty"`
	FileDigest   *string  `json:"file_digest,omitempty"`
	ChunkDigests []string `json:"chunk_digests,omitempty"`
}

// sessionResponse is the wire form of a session, with bitmap-derived
// progress fields in place of the raw bitmap.
type sessionResponse struct {
	ID              uuid.UUID  `json:"id"`
	Filename        string     `json:"filename"`
	Status          string     `json:"status"`
	Error           *string    `json:"error,omitempty"`
	TotalSize       int64      `json:"total_size"`
	ChunkSize       int64      `json:"chunk_size"`
	TotalChunks     int        `json:"total_chunks"`
	ReceivedChunks  int        `json:"received_chunks"`
	Missing         []int      `json:"missing,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
	InstanceID      *uuid.UUID `json:"instance_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

func newSessionResponse(sess *Session) sessionResponse {
	bm := sess.ChunkBitmap()
	received := bm.Count()
	return sessionResponse{
		ID:              sess.ID,
		Filename:        sess.Filename,
		Status:          sess.Status,
		Error:           sess.Error,
		TotalSize:       sess.TotalSize,
		ChunkSize:       sess.ChunkSize,
		TotalChunks:     sess.TotalChunks,
		ReceivedChunks:  received,
		Missing:         bm.Missing(missingChunkCap),
		ProgressPercent: percent(received, sess.TotalChunks),
		InstanceID:      sess.InstanceID,
		CreatedAt:       sess.CreatedAt,
		ExpiresAt:       sess.ExpiresAt,
	}
}

// CreateSession registers a new chunked upload session.
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sess := &Session{
		Filename:     req.Filename,
		TotalSize:    req.TotalSize,
		ChunkSize:    req.ChunkSize,
		FileDigest:   req.FileDigest,
		ChunkDigests: req.ChunkDigests,
	}
	if err := h.svc.Create(c.Request().Context(), sess); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, newSessionResponse(sess))
}

// GetSession returns session status and progress.
func (h *Handler) GetSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

// PutChunk stages one raw chunk body at the given index.
func (h *Handler) PutChunk(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chunk index")
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read chunk body")
	}

	sess, err := h.svc.PutChunk(c.Request().Context(), id, index, data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

// CompleteSession assembles the chunks and runs the ingest pipeline.
func (h *Handler) CompleteSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newSessionResponse(sess))
}

// AbortSession cancels a session and discards its staged chunks.
func (h *Handler) AbortSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Abort(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseSessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "upload session not found")
	case errors.Is(err, ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrChunkIndex),
		errors.Is(err, ErrChunkSize):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDigestMismatch),
		errors.Is(err, ErrRejected),
		errors.Is(err, dicom.ErrNotDICOM),
		errors.Is(err, dicom.ErrMalformed):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrIncomplete), errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
