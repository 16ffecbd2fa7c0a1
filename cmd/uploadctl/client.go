package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// chunkPlan is one slice of the local file.
type chunkPlan struct {
	Index int
	Range domain.ByteRange
}

// planChunks splits size bytes into chunks of at most chunkSize bytes.
func planChunks(size, chunkSize int64) []chunkPlan {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	n := int((size + chunkSize - 1) / chunkSize)
	plans := make([]chunkPlan, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if end >= size {
			end = size - 1
		}
		plans = append(plans, chunkPlan{Index: i, Range: domain.ByteRange{Start: start, End: end}})
	}
	return plans
}

// apiError is a decoded error response.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

func (e *apiError) retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway || e.Status == http.StatusGatewayTimeout
}

type Client struct {
	baseURL string
	http    *http.Client
	// newBackOff builds the retry policy for one chunk.
	newBackOff func() backoff.BackOff
}

func NewClient(baseURL string, timeout time.Duration, retries uint64) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, retries)
		},
	}
}

func (c *Client) objectURL(objectPath string) string {
	segments := strings.Split(strings.Trim(objectPath, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/objects/" + strings.Join(segments, "/")
}

type UploadOptions struct {
	ObjectPath string
	ChunkSize  int64
	Parallel   int
	// Wait bounds polling for the final state when the last chunk was
	// answered while the upload was still being finalized.
	Wait time.Duration
	// Progress, when set, is called after every acknowledged chunk.
	Progress func(ack domain.ChunkAck)
}

// UploadFile sends localPath in chunks and returns the final listing of the
// object.
func (c *Client) UploadFile(ctx context.Context, localPath string, opts UploadOptions) (domain.ObjectListing, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return domain.ObjectListing{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.ObjectListing{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if opts.ObjectPath == "" {
		opts.ObjectPath = path.Base(strings.ReplaceAll(localPath, "\\", "/"))
	}
	return c.Upload(ctx, f, info.Size(), opts)
}

// Upload sends size bytes read from src.
func (c *Client) Upload(ctx context.Context, src io.ReaderAt, size int64, opts UploadOptions) (domain.ObjectListing, error) {
	if size <= 0 {
		return domain.ObjectListing{}, errors.New("cannot upload an empty file")
	}
	plans := planChunks(size, opts.ChunkSize)
	if len(plans) == 0 {
		return domain.ObjectListing{}, fmt.Errorf("invalid chunk size %d", opts.ChunkSize)
	}
	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}

	var (
		mu       sync.Mutex
		finished bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, p := range plans {
		g.Go(func() error {
			data := make([]byte, p.Range.Length())
			if _, err := src.ReadAt(data, p.Range.Start); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read chunk %d: %w", p.Index, err)
			}

			ack, err := c.sendChunkWithRetry(gctx, opts.ObjectPath, p, len(plans), size, data)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", p.Index, err)
			}
			if opts.Progress != nil {
				opts.Progress(ack)
			}
			if ack.Completed {
				mu.Lock()
				finished = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ObjectListing{}, err
	}

	if finished {
		return c.Get(ctx, opts.ObjectPath)
	}
	return c.waitCompleted(ctx, opts.ObjectPath, opts.Wait)
}

func (c *Client) sendChunkWithRetry(ctx context.Context, objectPath string, p chunkPlan, total int, size int64, data []byte) (domain.ChunkAck, error) {
	var ack domain.ChunkAck
	op := func() error {
		var err error
		ack, err = c.sendChunk(ctx, objectPath, p, total, size, data)
		if err == nil {
			return nil
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("chunk", p.Index).Dur("retry_in", wait).Msg("chunk upload failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return domain.ChunkAck{}, err
	}
	return ack, nil
}

// sendChunk posts one chunk as a multipart form.
func (c *Client) sendChunk(ctx context.Context, objectPath string, p chunkPlan, total int, size int64, data []byte) (domain.ChunkAck, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"path", objectPath},
		{"chunkIndex", strconv.Itoa(p.Index)},
		{"totalChunks", strconv.Itoa(total)},
		{"totalSize", strconv.FormatInt(size, 10)},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return domain.ChunkAck{}, err
		}
	}
	fw, err := mw.CreateFormFile("file", path.Base(objectPath))
	if err != nil {
		return domain.ChunkAck{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return domain.ChunkAck{}, err
	}
	if err := mw.Close(); err != nil {
		return domain.ChunkAck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/objects", &body)
	if err != nil {
		return domain.ChunkAck{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Content-Range", domain.ContentRange{ByteRange: p.Range, Total: size}.String())

	var ack domain.ChunkAck
	if err := c.do(req, &ack, http.StatusOK, http.StatusAccepted); err != nil {
		return domain.ChunkAck{}, err
	}
	return ack, nil
}

// waitCompleted polls the object until it leaves the finalizing state.
func (c *Client) waitCompleted(ctx context.Context, objectPath string, wait time.Duration) (domain.ObjectListing, error) {
	if wait <= 0 {
		return c.Get(ctx, objectPath)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = wait

	var item domain.ObjectListing
	op := func() error {
		var err error
		item, err = c.Get(ctx, objectPath)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && !apiErr.retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		switch {
		case item.Completed:
			return nil
		case item.Failed:
			return backoff.Permanent(fmt.Errorf("upload of %s failed: %s", objectPath, item.Error))
		default:
			return fmt.Errorf("upload of %s is %s", objectPath, item.State)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return item, err
	}
	return item, nil
}

func (c *Client) List(ctx context.Context) ([]domain.ObjectListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/objects", nil)
	if err != nil {
		return nil, err
	}
	var list domain.ObjectList
	if err := c.do(req, &list, http.StatusOK); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) Get(ctx context.Context, objectPath string) (domain.ObjectListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(objectPath), nil)
	if err != nil {
		return domain.ObjectListing{}, err
	}
	var item domain.ObjectListing
	if err := c.do(req, &item, http.StatusOK); err != nil {
		return domain.ObjectListing{}, err
	}
	return item, nil
}

func (c *Client) Delete(ctx context.Context, objectPath string, purge bool) error {
	target := c.objectURL(objectPath)
	if purge {
		target += "?purge=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusNoContent)
}

func (c *Client) do(req *http.Request, out interface{}, accept ...int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for _, status := range accept {
		if resp.StatusCode != status {
			continue
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	apiErr := &apiError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
