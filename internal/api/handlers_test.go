package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lepko/internal/accesskey"
	"lepko/internal/blob"
	"lepko/internal/drop"
	"lepko/internal/keyval"
	"lepko/internal/observability/metrics"
	"lepko/internal/pad"
)

func newTestHandler(t *testing.T, mutate func(*Handler)) (*Handler, *http.ServeMux) {
	t.Helper()
	store := keyval.NewMemoryStore()
	drops, err := drop.NewService(drop.Config{Store: store})
	if err != nil {
		t.Fatalf("drop.NewService: %v", err)
	}
	blobs, err := blob.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewLocalStorage: %v", err)
	}
	hub, err := pad.NewHub(pad.HubConfig{Markers: store})
	if err != nil {
		t.Fatalf("pad.NewHub: %v", err)
	}
	handler := Handler{
		Drops:   drops,
		Blobs:   blobs,
		Hub:     hub,
		Keys:    accesskey.NewManager(),
		Metrics: metrics.New(),
		Pinger:  store,
	}
	if mutate != nil {
		mutate(&handler)
	}
	h := NewHandler(handler)
	mux := http.NewServeMux()
	h.Routes(mux)
	return h, mux
}

func multipartUpload(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
	if contentType != "" {
		header["Content-Type"] = []string{contentType}
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestDropUploadAndRedeem(t *testing.T) {
	_, mux := newTestHandler(t, nil)

	body, contentType := multipartUpload(t, "file", "notes.txt", "text/plain", []byte("drop contents"))
	request := httptest.NewRequest(http.MethodPost, "/api/drop", body)
	request.Header.Set("Content-Type", contentType)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)

	if response.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", response.Code, response.Body.String())
	}
	var created dropCreateResponse
	if err := json.Unmarshal(response.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.FileID == "" {
		t.Fatal("missing fileId")
	}
	if created.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("expiresIn = %d", created.ExpiresIn)
	}

	redeem := httptest.NewRecorder()
	mux.ServeHTTP(redeem, httptest.NewRequest(http.MethodGet, "/api/drop/"+created.FileID, nil))
	if redeem.Code != http.StatusOK {
		t.Fatalf("redeem status = %d: %s", redeem.Code, redeem.Body.String())
	}
	if got := redeem.Body.String(); got != "drop contents" {
		t.Fatalf("redeem body = %q", got)
	}
	if got := redeem.Header().Get("Content-Type"); got != "text/plain" {
		t.Fatalf("content type = %q", got)
	}
	if got := redeem.Header().Get("Content-Disposition"); !strings.Contains(got, "notes.txt") {
		t.Fatalf("content disposition = %q", got)
	}

	// The link is consumed; a second redeem cannot tell it ever existed.
	again := httptest.NewRecorder()
	mux.ServeHTTP(again, httptest.NewRequest(http.MethodGet, "/api/drop/"+created.FileID, nil))
	if again.Code != http.StatusNotFound {
		t.Fatalf("second redeem status = %d", again.Code)
	}
	if !strings.Contains(again.Body.String(), "invalid or expired link") {
		t.Fatalf("second redeem body = %s", again.Body.String())
	}
}

func TestDropRedeemUnknownToken(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/drop/doesnotexist", nil))
	if response.Code != http.StatusNotFound {
		t.Fatalf("status = %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), "invalid or expired link") {
		t.Fatalf("body = %s", response.Body.String())
	}
}

func TestDropUploadRequiresFileField(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	body, contentType := multipartUpload(t, "wrong", "x.txt", "text/plain", []byte("x"))
	request := httptest.NewRequest(http.MethodPost, "/api/drop", body)
	request.Header.Set("Content-Type", contentType)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", response.Code)
	}
}

func TestDropUploadEnforcesSizeCeiling(t *testing.T) {
	_, mux := newTestHandler(t, func(h *Handler) {
		h.MaxUploadBytes = 128
	})
	body, contentType := multipartUpload(t, "file", "big.bin", "application/octet-stream", bytes.Repeat([]byte("a"), 4096))
	request := httptest.NewRequest(http.MethodPost, "/api/drop", body)
	request.Header.Set("Content-Type", contentType)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d: %s", response.Code, response.Body.String())
	}
}

func TestDropUploadEnforcesTypeAllowlist(t *testing.T) {
	_, mux := newTestHandler(t, func(h *Handler) {
		h.AllowedTypes = []string{"image/", "text/plain"}
	})

	body, contentType := multipartUpload(t, "file", "malware.exe", "application/x-msdownload", []byte("MZ"))
	request := httptest.NewRequest(http.MethodPost, "/api/drop", body)
	request.Header.Set("Content-Type", contentType)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", response.Code)
	}

	body, contentType = multipartUpload(t, "file", "pic.png", "image/png", []byte("png"))
	request = httptest.NewRequest(http.MethodPost, "/api/drop", body)
	request.Header.Set("Content-Type", contentType)
	response = httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusCreated {
		t.Fatalf("allowed upload status = %d: %s", response.Code, response.Body.String())
	}
}

type faultyStore struct {
	keyval.Store
}

func (faultyStore) Take(context.Context, string) (string, bool, error) {
	return "", false, errors.New("record store down")
}

func TestDropRedeemInfrastructureFault(t *testing.T) {
	_, mux := newTestHandler(t, func(h *Handler) {
		drops, err := drop.NewService(drop.Config{Store: faultyStore{keyval.NewMemoryStore()}})
		if err != nil {
			t.Fatalf("drop.NewService: %v", err)
		}
		h.Drops = drops
	})
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/drop/sometoken", nil))
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", response.Code)
	}
}

func TestPadRoomCreate(t *testing.T) {
	_, mux := newTestHandler(t, nil)

	response := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/pad/rooms", strings.NewReader(`{"id":"standup"}`))
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", response.Code, response.Body.String())
	}
	var created padRoomResponse
	if err := json.Unmarshal(response.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.RoomID != "standup" {
		t.Fatalf("roomId = %q", created.RoomID)
	}

	// Empty body asks for a generated id.
	response = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodPost, "/api/pad/rooms", nil)
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", response.Code, response.Body.String())
	}
	if err := json.Unmarshal(response.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.RoomID == "" {
		t.Fatal("expected a generated room id")
	}
}

func TestKeyIssueAndValidate(t *testing.T) {
	_, mux := newTestHandler(t, nil)

	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/api/keys", strings.NewReader(`{"plan":"monthly"}`)))
	if response.Code != http.StatusCreated {
		t.Fatalf("issue status = %d: %s", response.Code, response.Body.String())
	}
	var issued keyResponse
	if err := json.Unmarshal(response.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}

	response = httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/api/keys/validate", strings.NewReader(`{"key":"`+issued.Key+`"}`)))
	if response.Code != http.StatusOK {
		t.Fatalf("validate status = %d", response.Code)
	}
	var validated keyValidateResponse
	if err := json.Unmarshal(response.Body.Bytes(), &validated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !validated.Valid || validated.Plan != "monthly" {
		t.Fatalf("validate response = %+v", validated)
	}

	response = httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/api/keys/validate", strings.NewReader(`{"key":"bogus"}`)))
	if response.Code != http.StatusOK {
		t.Fatalf("validate status = %d", response.Code)
	}
	if err := json.Unmarshal(response.Body.Bytes(), &validated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if validated.Valid {
		t.Fatal("bogus key reported valid")
	}
}

func TestKeyIssueRejectsUnknownPlan(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/api/keys", strings.NewReader(`{"plan":"lifetime"}`)))
	if response.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", response.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := newTestHandler(t, nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", response.Code, response.Body.String())
	}
	var health healthResponse
	if err := json.Unmarshal(response.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler, mux := newTestHandler(t, nil)
	handler.Metrics.ObserveDropEvent("created")

	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), "lepko_drop_events_total") {
		t.Fatalf("metrics body missing counters:\n%s", response.Body.String())
	}
}

type recordingStorage struct {
	blob.Storage
	removed []string
}

func (r *recordingStorage) Remove(ctx context.Context, key string) error {
	r.removed = append(r.removed, key)
	return r.Storage.Remove(ctx, key)
}

func TestRedeemRedirectsToPublicURL(t *testing.T) {
	var blobs *recordingStorage
	handler, mux := newTestHandler(t, func(h *Handler) {
		blobs = &recordingStorage{Storage: h.Blobs}
		h.Blobs = blobs
	})

	payload, err := json.Marshal(linkPayload{Key: "uploads/abc.png", URL: "https://cdn.example.com/uploads/abc.png"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	token, err := handler.Drops.CreateLink(context.Background(), string(payload), 0)
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	response := httptest.NewRecorder()
	mux.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/drop/"+token, nil))
	if response.Code != http.StatusFound {
		t.Fatalf("status = %d", response.Code)
	}
	if got := response.Header().Get("Location"); got != "https://cdn.example.com/uploads/abc.png" {
		t.Fatalf("location = %q", got)
	}

	// The client dereferences the Location header after this response, so
	// the handler must not have removed the object.
	if len(blobs.removed) != 0 {
		t.Fatalf("object removed before the redirect could be followed: %v", blobs.removed)
	}
}
