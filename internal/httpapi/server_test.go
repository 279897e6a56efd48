package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/npcdata/eaframe/internal/reconcile"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := reconcile.OpenStore(reconcile.StoreOptions{
		Dialect: reconcile.DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "eaframe.db"),
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewServer(store, ServerConfig{
		AdminSecret: "sekrit",
		BuildID:     "test-build",
		Logger:      zerolog.Nop(),
	})
}

type uploadForm struct {
	clientName     string
	clientProject  string
	collectionDate string
	overwrite      string
	fileContent    string
	adminSecret    string
}

func doUpload(t *testing.T, server *Server, form uploadForm) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"client_name":     form.clientName,
		"client_project":  form.clientProject,
		"collection_date": form.collectionDate,
	}
	if form.overwrite != "" {
		fields["overwrite"] = form.overwrite
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	part, err := writer.CreateFormFile("file", "counts.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, form.fileContent); err != nil {
		t.Fatalf("write file content: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if form.adminSecret != "" {
		req.Header.Set(adminSecretHeader, form.adminSecret)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeUpload(t *testing.T, rec *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestUploadAccepted(t *testing.T) {
	server := newTestServer(t)
	rec := doUpload(t, server, uploadForm{
		clientName:     "clientA",
		clientProject:  "projY",
		collectionDate: "2026-01-10",
		fileContent:    "entity_id,household_count\nEA001,12\nEA002,7\n",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decodeUpload(t, rec)
	if resp.Status != "accepted" || resp.BatchID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Summary == nil || resp.Summary.RowsApplied != 2 || resp.Summary.RowsTotal != 2 {
		t.Fatalf("unexpected summary: %+v", resp.Summary)
	}
}

func TestUploadRejected(t *testing.T) {
	server := newTestServer(t)
	rec := doUpload(t, server, uploadForm{
		clientName:     "clientA",
		clientProject:  "projY",
		collectionDate: "2026-01-10",
		fileContent:    "entity_id,household_count\nEA001,-4\n",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decodeUpload(t, rec)
	if resp.Status != "rejected" || !strings.Contains(resp.Reason, "Row 1") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUploadAlreadyUploaded(t *testing.T) {
	server := newTestServer(t)
	form := uploadForm{
		clientName:     "clientA",
		clientProject:  "projY",
		collectionDate: "2026-01-10",
		fileContent:    "entity_id,household_count\nEA001,12\n",
	}
	first := decodeUpload(t, doUpload(t, server, form))

	rec := doUpload(t, server, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decodeUpload(t, rec)
	if resp.Status != "already_uploaded" || resp.BatchID != first.BatchID || resp.UploadedAt == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUploadOverrideRequiresAdminSecret(t *testing.T) {
	server := newTestServer(t)
	form := uploadForm{
		clientName:     "clientA",
		clientProject:  "projY",
		collectionDate: "2026-01-10",
		overwrite:      "yes",
		fileContent:    "entity_id,household_count\nEA001,12\n",
	}

	if rec := doUpload(t, server, form); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without secret, got %d", rec.Code)
	}
	form.adminSecret = "wrong"
	if rec := doUpload(t, server, form); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong secret, got %d", rec.Code)
	}
	form.adminSecret = "sekrit"
	if rec := doUpload(t, server, form); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct secret, got %d", rec.Code)
	}
}

func TestUploadOverrideBeatsNewerDate(t *testing.T) {
	server := newTestServer(t)
	doUpload(t, server, uploadForm{
		clientName: "clientA", clientProject: "projY", collectionDate: "2026-01-10",
		fileContent: "entity_id,household_count\nX,40\n",
	})

	rec := doUpload(t, server, uploadForm{
		clientName: "clientB", clientProject: "projZ", collectionDate: "2026-01-02",
		overwrite: "yes", adminSecret: "sekrit",
		fileContent: "entity_id,household_count\nX,11\n",
	})
	resp := decodeUpload(t, rec)
	if resp.Status != "accepted" || resp.Summary.RowsApplied != 1 {
		t.Fatalf("override upload not applied: %+v", resp)
	}

	entity := httptest.NewRecorder()
	server.ServeHTTP(entity, httptest.NewRequest(http.MethodGet, "/entities/X", nil))
	if entity.Code != http.StatusOK {
		t.Fatalf("entity lookup failed: %d", entity.Code)
	}
	var record reconcile.MasterRecord
	if err := json.NewDecoder(entity.Body).Decode(&record); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if record.HouseholdCount != 11 || record.OwnerName != "clientB" {
		t.Fatalf("override not visible: %+v", record)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	server := newTestServer(t)
	doUpload(t, server, uploadForm{
		clientName: "clientA", clientProject: "projY", collectionDate: "2026-01-10",
		fileContent: "entity_id,household_count\nEA001,12\n",
	})

	health := httptest.NewRecorder()
	server.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), "test-build") {
		t.Fatalf("health: %d %s", health.Code, health.Body.String())
	}

	build := httptest.NewRecorder()
	server.ServeHTTP(build, httptest.NewRequest(http.MethodGet, "/build", nil))
	if build.Code != http.StatusOK || !strings.Contains(build.Body.String(), "test-build") {
		t.Fatalf("build: %d %s", build.Code, build.Body.String())
	}

	stats := httptest.NewRecorder()
	server.ServeHTTP(stats, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if stats.Code != http.StatusOK {
		t.Fatalf("stats: %d", stats.Code)
	}
	var counts map[string]any
	if err := json.NewDecoder(stats.Body).Decode(&counts); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if counts["eaFrame"].(float64) != 1 || counts["uploadBatches"].(float64) != 1 {
		t.Fatalf("unexpected stats: %v", counts)
	}

	metrics := httptest.NewRecorder()
	server.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), "eaframe_uploads_total") {
		t.Fatalf("metrics: %d", metrics.Code)
	}
}

func TestLookupsNotFound(t *testing.T) {
	server := newTestServer(t)

	entity := httptest.NewRecorder()
	server.ServeHTTP(entity, httptest.NewRequest(http.MethodGet, "/entities/missing", nil))
	if entity.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entity, got %d", entity.Code)
	}

	batch := httptest.NewRecorder()
	server.ServeHTTP(batch, httptest.NewRequest(http.MethodGet, "/batches/missing", nil))
	if batch.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing batch, got %d", batch.Code)
	}

	route := httptest.NewRecorder()
	server.ServeHTTP(route, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if route.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", route.Code)
	}

}

func TestWrongMethodReturns405(t *testing.T) {
	server := newTestServer(t)

	cases := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodGet, "/upload", http.MethodPost},
		{http.MethodPost, "/health", http.MethodGet},
		{http.MethodDelete, "/stats", http.MethodGet},
		{http.MethodPost, "/entities/W1", http.MethodGet},
		{http.MethodPut, "/batches/abc", http.MethodGet},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != tc.allow {
			t.Fatalf("%s %s: expected Allow %q, got %q", tc.method, tc.path, tc.allow, got)
		}
	}
}

func TestUploadNotMultipart(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("plain text"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", rec.Code)
	}
}
