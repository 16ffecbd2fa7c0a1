package domain

import (
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"
)

// SessionState is the lifecycle state of an upload session.
type SessionState string

const (
	StateUploading  SessionState = "uploading"
	StateFinalizing SessionState = "finalizing"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseSessionState returns the state for a stored label.
func ParseSessionState(label string) (SessionState, error) {
	switch s := SessionState(strings.ToLower(strings.TrimSpace(label))); s {
	case StateUploading, StateFinalizing, StateCompleted, StateFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session state %q", label)
	}
}

// ByteRange is an inclusive byte interval of the final object.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length is the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// String formats the range the way Range response headers carry it.
func (r ByteRange) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ContentRange is a parsed "bytes start-end/total" header.
type ContentRange struct {
	ByteRange
	Total int64
}

func (c ContentRange) String() string {
	return fmt.Sprintf("bytes %d-%d/%d", c.Start, c.End, c.Total)
}

// Validate checks start <= end < total.
func (c ContentRange) Validate() error {
	if c.Start < 0 || c.End < c.Start {
		return fmt.Errorf("range %d-%d is empty or negative", c.Start, c.End)
	}
	if c.Total <= 0 {
		return fmt.Errorf("total size %d must be positive", c.Total)
	}
	if c.End >= c.Total {
		return fmt.Errorf("range end %d is beyond total size %d", c.End, c.Total)
	}
	return nil
}

// ParseContentRange parses a Content-Range request header. Unknown totals
// ("*") are rejected because sessions need a declared size.
func ParseContentRange(header string) (ContentRange, error) {
	var cr ContentRange

	header = strings.TrimSpace(header)
	if header == "" {
		return cr, NewError(KindInvalidRange, "parse content range", "", "Content-Range header is missing")
	}

	unit, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(unit, "bytes") {
		return cr, NewError(KindInvalidRange, "parse content range", "", "unsupported Content-Range %q", header)
	}

	rng, total, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return cr, NewError(KindInvalidRange, "parse content range", "", "Content-Range %q has no total size", header)
	}
	startStr, endStr, ok := strings.Cut(rng, "-")
	if !ok {
		return cr, NewError(KindInvalidRange, "parse content range", "", "Content-Range %q has no range", header)
	}

	var err error
	if cr.Start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return cr, WrapError(KindInvalidRange, "parse content range", "", err, "invalid range start")
	}
	if cr.End, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return cr, WrapError(KindInvalidRange, "parse content range", "", err, "invalid range end")
	}
	if cr.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
		return cr, WrapError(KindInvalidRange, "parse content range", "", err, "invalid total size")
	}
	if err := cr.Validate(); err != nil {
		return cr, WrapError(KindInvalidRange, "parse content range", "", err, "inconsistent Content-Range")
	}
	return cr, nil
}

// ValidatePath normalises an object path. The result is slash separated,
// relative and free of "." or ".." segments.
func ValidatePath(p string) (string, error) {
	raw := p
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if strings.ContainsRune(p, 0) {
		return "", NewError(KindInvalidRequest, "validate path", raw, "object path contains NUL")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", NewError(KindInvalidRequest, "validate path", raw, "object path must not contain '..'")
		}
	}
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" {
		return "", NewError(KindInvalidRequest, "validate path", raw, "object path is required")
	}
	return p, nil
}

// ChunkRequest is one chunk delivery as received from a client.
type ChunkRequest struct {
	Path        string
	Index       int
	TotalChunks int
	// DeclaredSize is the final object size when the client sends it
	// separately from Content-Range. Zero means unset.
	DeclaredSize int64
	Range        ContentRange
	Payload      io.Reader
	// PayloadSize is the payload length if known up front, or -1.
	PayloadSize int64
}

// SessionSnapshot is an immutable view of an upload session.
type SessionSnapshot struct {
	ID             string       `json:"id"`
	Path           string       `json:"path"`
	TotalChunks    int          `json:"totalChunks"`
	SizeBytes      int64        `json:"sizeBytes"`
	UploadedChunks int          `json:"uploadedChunks"`
	State          SessionState `json:"state"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// Listing projects the snapshot for polling clients.
func (s SessionSnapshot) Listing() ObjectListing {
	return ObjectListing{
		Path:           s.Path,
		Completed:      s.State == StateCompleted,
		Finalizing:     s.State == StateFinalizing,
		Failed:         s.State == StateFailed,
		State:          s.State,
		NBytes:         s.SizeBytes,
		UploadedChunks: s.UploadedChunks,
		TotalChunks:    s.TotalChunks,
		Error:          s.Error,
	}
}

// ObjectListing is one row of the progress listing.
type ObjectListing struct {
	Path           string       `json:"path"`
	Completed      bool         `json:"completed"`
	Finalizing     bool         `json:"finalizing"`
	Failed         bool         `json:"failed"`
	State          SessionState `json:"state"`
	NBytes         int64        `json:"nBytes"`
	UploadedChunks int          `json:"uploadedChunks"`
	TotalChunks    int          `json:"totalChunks"`
	Error          string       `json:"error,omitempty"`
}

// ObjectList is the GET /objects response body.
type ObjectList struct {
	Items []ObjectListing `json:"items"`
}

// ChunkAck acknowledges a stored (or already stored) chunk.
type ChunkAck struct {
	Path           string       `json:"path"`
	Index          int          `json:"index"`
	Range          ByteRange    `json:"range"`
	State          SessionState `json:"state"`
	UploadedChunks int          `json:"uploadedChunks"`
	TotalChunks    int          `json:"totalChunks"`
	Completed      bool         `json:"completed"`
	Finalizing     bool         `json:"finalizing"`
	Message        string       `json:"message"`
}
