package plugins

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/wpdepot/wpdepot/internal/catalog"
	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/db/repositories"
	"github.com/wpdepot/wpdepot/internal/middleware"
	"github.com/wpdepot/wpdepot/internal/storage/local"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const publicURL = "https://catalog.example.com"

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var pluginCols = []string{
	"id", "name", "slug", "version", "description", "file_url", "storage_path",
	"checksum", "size_bytes", "status", "upload_date", "created_by",
}

func pluginRow(rows *sqlmock.Rows, id, slug, version, status string) *sqlmock.Rows {
	key := "plugin-files/1700000000000-" + slug + ".zip"
	return rows.AddRow(id, strings.ToUpper(slug), slug, version, "desc",
		publicURL+"/v1/files/"+key, key, "abc123", int64(42), status, time.Now(), nil)
}

type fixture struct {
	mock    sqlmock.Sqlmock
	router  *gin.Engine
	store   *local.LocalStorage
	baseDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	baseDir := t.TempDir()
	store, err := local.New(&config.LocalStorageConfig{BasePath: baseDir})
	if err != nil {
		t.Fatal(err)
	}
	svc := catalog.NewService(repositories.NewPluginRepository(db), store, catalog.Options{
		PublicURL:      publicURL,
		MaxUploadBytes: 1 << 20,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, "user-1")
		c.Next()
	})
	r.GET("/api/v1/plugins", ListHandler(svc))
	r.POST("/api/v1/plugins", UploadHandler(svc, 1<<20))
	r.GET("/api/v1/plugins/latest/:slug", LatestHandler(svc))
	r.GET("/api/v1/plugins/:id", GetHandler(svc))
	r.DELETE("/api/v1/plugins/:id", DeleteHandler(svc))
	r.GET("/api/v1/plugins/:id/download", DownloadHandler(svc))
	r.GET("/v1/files/*filepath", ServeFileHandler(svc, 15*time.Minute))

	return &fixture{mock: mock, router: r, store: store, baseDir: baseDir}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return m
}

func pluginZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"hello-dolly/hello-dolly.php": "<?php\n/*\nPlugin Name: Hello Dolly\nVersion: 1.7.2\nDescription: Lyrics\n*/\n",
		"hello-dolly/readme.txt":      "readme",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, fields map[string]string, archive []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if archive != nil {
		fw, err := mw.CreateFormFile("file", "hello-dolly.zip")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(archive); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestList(t *testing.T) {
	f := newFixture(t)
	rows := sqlmock.NewRows(pluginCols)
	pluginRow(rows, "p2", "newer", "2.0", "ready")
	pluginRow(rows, "p1", "older", "1.0", "ready")
	f.mock.ExpectQuery("FROM plugins").WithArgs("ready").WillReturnRows(rows)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plugins", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	plugins, _ := decode(t, w)["plugins"].([]interface{})
	if len(plugins) != 2 {
		t.Fatalf("plugins = %d, want 2", len(plugins))
	}
	first := plugins[0].(map[string]interface{})
	if first["id"] != "p2" {
		t.Errorf("first id = %v, want p2 (newest first)", first["id"])
	}
	if _, leaked := first["storage_path"]; leaked {
		t.Error("storage_path must not be serialized")
	}
}

func TestList_Empty(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery("FROM plugins").WillReturnRows(sqlmock.NewRows(pluginCols))

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plugins", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"plugins":[]`) {
		t.Errorf("got %d %s, want 200 with empty array", w.Code, w.Body.String())
	}
}

func TestList_DBError(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery("FROM plugins").WillReturnError(context.DeadlineExceeded)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plugins", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Download URL / get / latest
// ---------------------------------------------------------------------------

func TestDownload(t *testing.T) {
	tests := []struct {
		name     string
		rows     func() *sqlmock.Rows
		wantCode int
	}{
		{"ready", func() *sqlmock.Rows { return pluginRow(sqlmock.NewRows(pluginCols), "p1", "akismet", "5.3", "ready") }, http.StatusOK},
		{"pending", func() *sqlmock.Rows { return pluginRow(sqlmock.NewRows(pluginCols), "p1", "akismet", "5.3", "pending") }, http.StatusNotFound},
		{"missing", func() *sqlmock.Rows { return sqlmock.NewRows(pluginCols) }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectQuery(`WHERE id = \$1`).WithArgs("p1").WillReturnRows(tt.rows())

			w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plugins/p1/download", nil))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode == http.StatusOK {
				want := publicURL + "/v1/files/plugin-files/1700000000000-akismet.zip"
				if got := decode(t, w)["download_url"]; got != want {
					t.Errorf("download_url = %v, want %s", got, want)
				}
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`WHERE id = \$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(pluginCols))

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plugins/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestLatest_HighestVersionWins(t *testing.T) {
	f := newFixture(t)
	rows := sqlmock.NewRows(pluginCols)
	pluginRow(rows, "p3", "forms", "1.9", "ready")
	pluginRow(rows, "p2", "forms", "1.10", "ready")
	pluginRow(rows, "p1", "forms", "1.2", "ready")
	f.mock.ExpectQuery(`WHERE slug = \$1`).WithArgs("forms", "ready").WillReturnRows(rows)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/plugins/latest/forms", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["version"]; got != "1.10" {
		t.Errorf("version = %v, want 1.10", got)
	}
}

// ---------------------------------------------------------------------------
// Upload
// ---------------------------------------------------------------------------

func TestUpload_Success(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectExec("INSERT INTO plugins").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE plugins").WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do(uploadRequest(t, map[string]string{"version": "1.7.2"}, pluginZip(t)))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["slug"] != "hello-dolly" || resp["name"] != "Hello Dolly" {
		t.Errorf("slug/name = %v/%v", resp["slug"], resp["name"])
	}
	if resp["status"] != "ready" {
		t.Errorf("status = %v, want ready", resp["status"])
	}
	if resp["created_by"] != "user-1" {
		t.Errorf("created_by = %v, want user-1", resp["created_by"])
	}
	fileURL, _ := resp["file_url"].(string)
	if !strings.HasPrefix(fileURL, publicURL+"/v1/files/plugin-files/") || !strings.HasSuffix(fileURL, "-hello-dolly.zip") {
		t.Errorf("file_url = %q", fileURL)
	}

	key := strings.TrimPrefix(fileURL, publicURL+"/v1/files/")
	if _, err := os.Stat(filepath.Join(f.baseDir, filepath.FromSlash(key))); err != nil {
		t.Errorf("archive not stored: %v", err)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		archive  []byte
		wantCode int
	}{
		{"missing file", map[string]string{"version": "1.0"}, nil, http.StatusBadRequest},
		{"missing version", map[string]string{}, []byte("PK"), http.StatusBadRequest},
		{"not a zip", map[string]string{"version": "1.0"}, []byte("hello world, not an archive"), http.StatusBadRequest},
		{"too large", map[string]string{"version": "1.0"}, bytes.Repeat([]byte("x"), 3<<20), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(uploadRequest(t, tt.fields, tt.archive))
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			// No row is ever inserted for a rejected upload.
			if err := f.mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestUpload_StorageRowFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectExec("INSERT INTO plugins").WillReturnError(context.DeadlineExceeded)

	w := f.do(uploadRequest(t, map[string]string{"version": "1.7.2"}, pluginZip(t)))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete(t *testing.T) {
	f := newFixture(t)
	key := "plugin-files/1700000000000-akismet.zip"
	if _, err := f.store.Put(context.Background(), key, strings.NewReader("zip"), 3); err != nil {
		t.Fatal(err)
	}
	f.mock.ExpectQuery(`WHERE id = \$1`).WithArgs("p1").
		WillReturnRows(pluginRow(sqlmock.NewRows(pluginCols), "p1", "akismet", "5.3", "ready"))
	f.mock.ExpectExec("DELETE FROM plugins").WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do(httptest.NewRequest(http.MethodDelete, "/api/v1/plugins/p1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if msg, _ := decode(t, w)["message"].(string); !strings.Contains(msg, "akismet") {
		t.Errorf("message = %q", msg)
	}
	if exists, _ := f.store.Exists(context.Background(), key); exists {
		t.Error("archive still present after delete")
	}
}

func TestDelete_NotFound(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`WHERE id = \$1`).WithArgs("gone").WillReturnRows(sqlmock.NewRows(pluginCols))

	w := f.do(httptest.NewRequest(http.MethodDelete, "/api/v1/plugins/gone", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// File serving
// ---------------------------------------------------------------------------

func TestServeFile(t *testing.T) {
	f := newFixture(t)
	key := "plugin-files/1700000000000-akismet.zip"
	pendingKey := "plugin-files/1700000000001-akismet.zip"
	for _, k := range []string{key, pendingKey} {
		if _, err := f.store.Put(context.Background(), k, strings.NewReader("archive-bytes"), 13); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		path     string
		lookups  []bool // ready-row lookups the request makes, in order
		wantCode int
	}{
		{"stored archive", "/v1/files/" + key, []bool{true, true}, http.StatusOK},
		{"pending archive", "/v1/files/" + pendingKey, []bool{false}, http.StatusNotFound},
		{"missing archive", "/v1/files/plugin-files/1-missing.zip", []bool{false}, http.StatusNotFound},
		{"outside archive prefix", "/v1/files/secrets/key.pem", nil, http.StatusNotFound},
		{"parent traversal", "/v1/files/plugin-files/../../etc/passwd", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, ready := range tt.lookups {
				f.mock.ExpectQuery("SELECT EXISTS").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(ready))
			}
			w := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				if w.Body.String() != "archive-bytes" {
					t.Errorf("body = %q", w.Body.String())
				}
				if !strings.Contains(w.Header().Get("Content-Disposition"), "1700000000000-akismet.zip") {
					t.Errorf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
				}
			}
			if err := f.mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}
