package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/andresuchdata/chunkup/internal/api/handlers"
	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/service"
	"github.com/andresuchdata/chunkup/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	backend *storage.MemoryBackend
	svc     *service.UploadService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend := storage.NewMemoryBackend()
	svc := service.NewUploadService(backend, nil, nil, service.Options{
		FinalizeWait:    5 * time.Second,
		FinalizeTimeout: time.Minute,
	})
	t.Cleanup(svc.Wait)
	return &testServer{
		router:  NewRouter(&Services{UploadService: svc}, []string{"*"}),
		backend: backend,
		svc:     svc,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func rawChunk(path string, index, total int, start, size int64, data string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/objects", bytes.NewBufferString(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+int64(len(data))-1, size))
	req.Header.Set(handlers.HeaderObjectPath, path)
	req.Header.Set(handlers.HeaderChunkIndex, strconv.Itoa(index))
	req.Header.Set(handlers.HeaderTotalChunks, strconv.Itoa(total))
	return req
}

func multipartChunk(t *testing.T, target, filename string, fields map[string]string, contentRange, data string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Content-Range", contentRange)
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHeadObjectsAdvertisesRanges(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodHead, "/objects", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
}

func TestRawChunkUpload(t *testing.T) {
	s := newTestServer(t)

	w := s.do(rawChunk("docs/a.bin", 1, 2, 5, 10, "56789"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "bytes=5-9", w.Header().Get("Range"))
	ack := decode[domain.ChunkAck](t, w)
	assert.Equal(t, domain.StateUploading, ack.State)
	assert.Equal(t, 1, ack.UploadedChunks)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(httptest.NewRequest(http.MethodGet, "/objects", nil))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[domain.ObjectList](t, w)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "docs/a.bin", list.Items[0].Path)
	assert.False(t, list.Items[0].Completed)

	w = s.do(rawChunk("docs/a.bin", 0, 2, 0, 10, "01234"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ack = decode[domain.ChunkAck](t, w)
	assert.True(t, ack.Completed)
	assert.Equal(t, domain.StateCompleted, ack.State)

	data, ok := s.backend.Object("docs/a.bin")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))

	w = s.do(httptest.NewRequest(http.MethodGet, "/objects/docs/a.bin", nil))
	require.Equal(t, http.StatusOK, w.Code)
	item := decode[domain.ObjectListing](t, w)
	assert.True(t, item.Completed)
	assert.Equal(t, int64(10), item.NBytes)
	assert.Equal(t, 2, item.UploadedChunks)
}

func TestMultipartChunkUsesFilename(t *testing.T) {
	s := newTestServer(t)

	req := multipartChunk(t, "/api/objects", "photo.jpg", map[string]string{
		"chunkIndex":  "0",
		"totalChunks": "1",
		"totalSize":   "4",
	}, "bytes 0-3/4", "jpeg")
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ack := decode[domain.ChunkAck](t, w)
	assert.Equal(t, "photo.jpg", ack.Path)
	assert.True(t, ack.Completed)

	data, ok := s.backend.Object("photo.jpg")
	require.True(t, ok)
	assert.Equal(t, "jpeg", string(data))
}

func TestMultipartExplicitPath(t *testing.T) {
	s := newTestServer(t)

	req := multipartChunk(t, "/objects", "blob", map[string]string{
		"path":        "nested/dir/file.txt",
		"chunkIndex":  "0",
		"totalChunks": "2",
	}, "bytes 0-2/6", "abc")
	w := s.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "bytes=0-2", w.Header().Get("Range"))

	w = s.do(httptest.NewRequest(http.MethodGet, "/objects/nested/dir/file.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[domain.ObjectListing](t, w).UploadedChunks)
}

func TestChunkErrors(t *testing.T) {
	s := newTestServer(t)

	noRange := rawChunk("a", 0, 1, 0, 3, "abc")
	noRange.Header.Del("Content-Range")

	noIndex := rawChunk("a", 0, 1, 0, 3, "abc")
	noIndex.Header.Del(handlers.HeaderChunkIndex)

	badTotal := rawChunk("a", 0, 1, 0, 3, "abc")
	badTotal.Header.Set(handlers.HeaderTotalChunks, "many")

	badSize := rawChunk("a", 0, 1, 0, 3, "abc")
	badSize.Header.Set(handlers.HeaderUploadSize, "-1")

	shortPayload := rawChunk("a", 0, 2, 0, 10, "abcd")
	shortPayload.Header.Set("Content-Range", "bytes 0-4/10")

	noFile := httptest.NewRequest(http.MethodPost, "/objects", nil)
	noFile.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	noFile.Header.Set("Content-Range", "bytes 0-2/3")

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"missing content range", noRange, http.StatusBadRequest, "invalid_range"},
		{"missing chunk index", noIndex, http.StatusBadRequest, "invalid_request"},
		{"non numeric total", badTotal, http.StatusBadRequest, "invalid_request"},
		{"bad declared size", badSize, http.StatusBadRequest, "invalid_range"},
		{"traversal path", rawChunk("../etc/passwd", 0, 1, 0, 3, "abc"), http.StatusBadRequest, "invalid_request"},
		{"payload shorter than range", shortPayload, http.StatusBadRequest, "invalid_range"},
		{"multipart without file", noFile, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode[errorBody](t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/objects", nil))
	assert.Empty(t, decode[domain.ObjectList](t, w).Items)
}

func TestSizeMismatchIsConflict(t *testing.T) {
	s := newTestServer(t)

	w := s.do(rawChunk("a.bin", 0, 2, 0, 10, "01234"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(rawChunk("a.bin", 1, 3, 5, 10, "567"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "size_mismatch", decode[errorBody](t, w).Code)
}

func TestGetUnknownObject(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/objects/missing.bin", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, w).Code)
}

func TestDeleteObject(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodDelete, "/objects/never-uploaded", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(rawChunk("x/y.bin", 0, 2, 0, 4, "ab"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/objects/x/y.bin", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/objects", nil))
	assert.Empty(t, decode[domain.ObjectList](t, w).Items)

	w = s.do(rawChunk("x/y.bin", 1, 2, 2, 4, "cd"))
	require.Equal(t, http.StatusAccepted, w.Code, "a new session starts after delete")
}

func TestDeletePurgeRemovesObject(t *testing.T) {
	s := newTestServer(t)

	w := s.do(rawChunk("p.bin", 0, 1, 0, 3, "abc"))
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := s.backend.Object("p.bin")
	require.True(t, ok)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/objects/p.bin", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	_, ok = s.backend.Object("p.bin")
	assert.True(t, ok, "plain delete keeps the published object")

	w = s.do(httptest.NewRequest(http.MethodDelete, "/objects/p.bin?purge=true", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	_, ok = s.backend.Object("p.bin")
	assert.False(t, ok)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/objects", nil)
	// httptest requests target example.com; a different origin makes this cross-origin.
	req.Header.Set("Origin", "http://app.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Range")
	w := s.do(req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://app.test", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNormalizeAllowedOrigins(t *testing.T) {
	origins, all := normalizeAllowedOrigins([]string{"http://a.test, http://b.test", " ", "*"})
	assert.True(t, all)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, origins)
}
