package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/platform/auth"
)

func newHandlerEnv(t *testing.T) (*testEnv, *Handler) {
	t.Helper()
	env := newTestEnv(t)
	return env, NewHandler(env.svc)
}

func jsonRequest(method, target string, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func assertHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("error = %v, want *echo.HTTPError with code %d", err, want)
	}
	if he.Code != want {
		t.Fatalf("status = %d, want %d (message: %v)", he.Code, want, he.Message)
	}
}

func TestHandlerCreateSession(t *testing.T) {
	_, h := newHandlerEnv(t)
	e := echo.New()

	req := jsonRequest(http.MethodPost, "/api/v1/uploads", `{"filename":"ct-head.dcm","total_size":1000}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateSession(c); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	resp := decodeSession(t, rec)
	if resp.ID == uuid.Nil {
		t.Error("response has no session id")
	}
	if resp.Status != StatusPending {
		t.Errorf("status = %q, want %q", resp.Status, StatusPending)
	}
	if resp.TotalChunks != 4 {
		t.Errorf("total_chunks = %d, want 4", resp.TotalChunks)
	}
	if resp.ReceivedChunks != 0 {
		t.Errorf("received_chunks = %d, want 0", resp.ReceivedChunks)
	}
	if len(resp.Missing) != 4 {
		t.Errorf("missing = %v, want all four indices", resp.Missing)
	}
}

func TestHandlerCreateSession_InvalidBody(t *testing.T) {
	_, h := newHandlerEnv(t)
	e := echo.New()

	req := jsonRequest(http.MethodPost, "/api/v1/uploads", `{not json`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assertHTTPStatus(t, h.CreateSession(c), http.StatusBadRequest)
}

func TestHandlerCreateSession_TooLarge(t *testing.T) {
	_, h := newHandlerEnv(t)
	e := echo.New()

	req := jsonRequest(http.MethodPost, "/api/v1/uploads", `{"filename":"huge.dcm","total_size":2097152}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assertHTTPStatus(t, h.CreateSession(c), http.StatusRequestEntityTooLarge)
}

func TestHandlerGetSession(t *testing.T) {
	env, h := newHandlerEnv(t)
	sess := mustCreate(t, env, 1000)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/uploads/:id")
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	if err := h.GetSession(c); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	resp := decodeSession(t, rec)
	if resp.ID != sess.ID {
		t.Errorf("id = %s, want %s", resp.ID, sess.ID)
	}
	if resp.ProgressPercent != 0 {
		t.Errorf("progress_percent = %v, want 0", resp.ProgressPercent)
	}
}

func TestHandlerGetSession_InvalidID(t *testing.T) {
	_, h := newHandlerEnv(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	assertHTTPStatus(t, h.GetSession(c), http.StatusBadRequest)
}

func TestHandlerGetSession_NotFound(t *testing.T) {
	_, h := newHandlerEnv(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	assertHTTPStatus(t, h.GetSession(c), http.StatusNotFound)
}

func TestHandlerPutChunk(t *testing.T) {
	env, h := newHandlerEnv(t)
	sess := mustCreate(t, env, 1000)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(testPayload(256)))
	req.Header.Set(echo.HeaderContentType, "application/octet-stream")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/uploads/:id/chunks/:index")
	c.SetParamNames("id", "index")
	c.SetParamValues(sess.ID.String(), "0")

	if err := h.PutChunk(c); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	resp := decodeSession(t, rec)
	if resp.ReceivedChunks != 1 {
		t.Errorf("received_chunks = %d, want 1", resp.ReceivedChunks)
	}
	if resp.ProgressPercent != 25 {
		t.Errorf("progress_percent = %v, want 25", resp.ProgressPercent)
	}
	if resp.Status != StatusUploading {
		t.Errorf("status = %q, want %q", resp.Status, StatusUploading)
	}
}

func TestHandlerPutChunk_BadIndex(t *testing.T) {
	env, h := newHandlerEnv(t)
	sess := mustCreate(t, env, 1000)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(testPayload(256)))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id", "index")
	c.SetParamValues(sess.ID.String(), "zero")

	assertHTTPStatus(t, h.PutChunk(c), http.StatusBadRequest)
}

func TestHandlerPutChunk_WrongSize(t *testing.T) {
	env, h := newHandlerEnv(t)
	sess := mustCreate(t, env, 1000)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(testPayload(100)))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id", "index")
	c.SetParamValues(sess.ID.String(), "0")

	assertHTTPStatus(t, h.PutChunk(c), http.StatusBadRequest)
}

func TestHandlerPutChunk_DigestMismatch(t *testing.T) {
	env, h := newHandlerEnv(t)
	data := testPayload(256)
	sess := mustCreate(t, env, 256, func(s *Session) {
		s.ChunkDigests = []string{hexDigest(data)}
	})
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(make([]byte, 256)))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id", "index")
	c.SetParamValues(sess.ID.String(), "0")

	assertHTTPStatus(t, h.PutChunk(c), http.StatusUnprocessableEntity)
}

func TestHandlerCompleteSession(t *testing.T) {
	env, h := newHandlerEnv(t)
	data := testPayload(512)
	sess := mustCreate(t, env, 512)
	uploadAll(t, env, sess, data)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	if err := h.CompleteSession(c); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	resp := decodeSession(t, rec)
	if resp.Status != StatusReady {
		t.Errorf("status = %q, want %q", resp.Status, StatusReady)
	}
	if resp.InstanceID == nil {
		t.Error("instance_id missing from completed session")
	}
}

func TestHandlerCompleteSession_Incomplete(t *testing.T) {
	env, h := newHandlerEnv(t)
	sess := mustCreate(t, env, 512)
	if _, err := env.svc.PutChunk(context.Background(), sess.ID, 0, testPayload(256)); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	assertHTTPStatus(t, h.CompleteSession(c), http.StatusConflict)
}

func TestHandlerAbortSession(t *testing.T) {
	env, h := newHandlerEnv(t)
	sess := mustCreate(t, env, 512)
	e := echo.New()

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID.String())

	if err := h.AbortSession(c); err != nil {
		t.Fatalf("AbortSession: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	stored, _ := env.repo.GetByID(context.Background(), sess.ID)
	if stored.Status != StatusAborted {
		t.Errorf("status = %q, want %q", stored.Status, StatusAborted)
	}
}

func TestHandlerRoutes_RoleEnforcement(t *testing.T) {
	_, h := newHandlerEnv(t)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	t.Run("create without role is forbidden", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/uploads", `{"filename":"ct.dcm","total_size":512}`)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("uploader role may create", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/uploads", `{"filename":"ct.dcm","total_size":512}`)
		ctx := context.WithValue(req.Context(), auth.UserRolesKey, []string{auth.RoleUploader})
		req = req.WithContext(ctx)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Errorf("status = %d, want 201", rec.Code)
		}
	})

	t.Run("status is readable without upload role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+uuid.NewString(), nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}
