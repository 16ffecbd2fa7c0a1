package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/service"
	"github.com/gin-gonic/gin"
)

// Raw-body chunk uploads carry their metadata in these headers.
const (
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderTotalChunks = "X-Total-Chunks"
	HeaderObjectPath  = "X-Object-Path"
	HeaderUploadSize  = "X-Upload-Size"
)

const multipartMemory = 32 << 20

type ObjectHandler struct {
	service *service.UploadService
}

func NewObjectHandler(service *service.UploadService) *ObjectHandler {
	return &ObjectHandler{service: service}
}

// Probe answers HEAD /objects so clients can detect range support.
func (h *ObjectHandler) Probe(c *gin.Context) {
	c.Header("Accept-Ranges", "bytes")
	c.Status(http.StatusOK)
}

// PutChunk handles POST /objects.
func (h *ObjectHandler) PutChunk(c *gin.Context) {
	req, cleanup, err := parseChunkRequest(c)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		writeError(c, err)
		return
	}

	ack, err := h.service.PutChunk(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	if ack.Completed {
		c.JSON(http.StatusOK, ack)
		return
	}
	c.Header("Range", ack.Range.String())
	c.JSON(http.StatusAccepted, ack)
}

// List handles GET /objects.
func (h *ObjectHandler) List(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []domain.ObjectListing{}
	}
	c.JSON(http.StatusOK, domain.ObjectList{Items: items})
}

// Get handles GET /objects/*path.
func (h *ObjectHandler) Get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Delete handles DELETE /objects/*path. A missing upload is not an error.
func (h *ObjectHandler) Delete(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.DefaultQuery("purge", "false"))
	if err := h.service.Delete(c.Request.Context(), c.Param("path"), purge); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// parseChunkRequest reads either a multipart form or a raw body. The returned
// cleanup, when non-nil, must run after the payload has been consumed.
func parseChunkRequest(c *gin.Context) (domain.ChunkRequest, func(), error) {
	req := domain.ChunkRequest{PayloadSize: -1}

	cr, err := domain.ParseContentRange(c.GetHeader("Content-Range"))
	if err != nil {
		return req, nil, err
	}
	req.Range = cr

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return parseMultipartChunk(c, req)
	}

	req.Path = c.GetHeader(HeaderObjectPath)
	if req.Index, err = requiredInt(c.GetHeader(HeaderChunkIndex), HeaderChunkIndex); err != nil {
		return req, nil, err
	}
	if req.TotalChunks, err = requiredInt(c.GetHeader(HeaderTotalChunks), HeaderTotalChunks); err != nil {
		return req, nil, err
	}
	if req.DeclaredSize, err = optionalSize(c.GetHeader(HeaderUploadSize), HeaderUploadSize); err != nil {
		return req, nil, err
	}
	req.Payload = c.Request.Body
	if c.Request.ContentLength >= 0 {
		req.PayloadSize = c.Request.ContentLength
	}
	return req, nil, nil
}

func parseMultipartChunk(c *gin.Context, req domain.ChunkRequest) (domain.ChunkRequest, func(), error) {
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		return req, nil, domain.WrapError(domain.KindInvalidRequest, "parse chunk", "", err, "invalid form data")
	}
	form := c.Request.MultipartForm
	cleanup := func() { _ = form.RemoveAll() }

	fh, err := c.FormFile("file")
	if err != nil {
		return req, cleanup, domain.WrapError(domain.KindInvalidRequest, "parse chunk", "", err, "form field \"file\" is required")
	}

	req.Path = c.PostForm("path")
	if req.Path == "" {
		req.Path = fh.Filename
	}
	if req.Index, err = requiredInt(c.PostForm("chunkIndex"), "chunkIndex"); err != nil {
		return req, cleanup, err
	}
	if req.TotalChunks, err = requiredInt(c.PostForm("totalChunks"), "totalChunks"); err != nil {
		return req, cleanup, err
	}
	if req.DeclaredSize, err = optionalSize(c.PostForm("totalSize"), "totalSize"); err != nil {
		return req, cleanup, err
	}

	file, err := fh.Open()
	if err != nil {
		return req, cleanup, domain.WrapError(domain.KindInvalidRequest, "parse chunk", req.Path, err, "cannot read uploaded file")
	}
	req.Payload = file
	req.PayloadSize = fh.Size
	return req, closeAll(file, cleanup), nil
}

func closeAll(file multipart.File, cleanup func()) func() {
	return func() {
		_ = file.Close()
		cleanup()
	}
}

func requiredInt(value, field string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, domain.NewError(domain.KindInvalidRequest, "parse chunk", "", "%s is required", field)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, domain.WrapError(domain.KindInvalidRequest, "parse chunk", "", err, field+" must be an integer")
	}
	return n, nil
}

func optionalSize(value, field string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return 0, domain.NewError(domain.KindInvalidRange, "parse chunk", "", "%s must be a positive integer", field)
	}
	return n, nil
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest, domain.KindInvalidRange:
		return http.StatusBadRequest
	case domain.KindSizeMismatch, domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	code := string(domain.KindOf(err))
	if code == "" {
		code = "internal_error"
	}

	message := err.Error()
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Message != "" && status < http.StatusInternalServerError {
		message = derr.Message
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}
