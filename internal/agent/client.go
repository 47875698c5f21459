// Package agent is the client side of backup custody: it uploads finished backups from a
// database host and lets operators list, grant and fetch them.
package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/api"
	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/integrity"
)

// Retry defaults for uploads.
const (
	DefaultAttempts = 10
	DefaultBackoff  = time.Second
	maxBackoff      = 5 * time.Minute
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server: %d %s", e.StatusCode, e.Code)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Client talks to the custody HTTP API.
type Client struct {
	base       string
	http       *http.Client
	credential string
	callerTok  string
	log        *zap.Logger
	attempts   uint64
	backoff    time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithCredential sets the upload credential used by Upload and ReportFailure.
func WithCredential(cred string) Option { return func(c *Client) { c.credential = cred } }

// WithCallerToken sets the caller JWT used by List, Stats and Grant.
func WithCallerToken(tok string) Option { return func(c *Client) { c.callerTok = tok } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithRetry sets the total attempts and the first backoff delay.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = uint64(attempts)
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// New constructs a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		log:      zap.NewNop(),
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UploadInput describes a finished backup run.
type UploadInput struct {
	Path        string
	Database    string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Upload hashes the file, then streams it as multipart with retries. The file is
// re-read on every attempt; nothing is buffered in memory.
func (c *Client) Upload(ctx context.Context, in UploadInput) (uuid.UUID, error) {
	digest, size, err := hashFile(in.Path)
	if err != nil {
		return uuid.Nil, err
	}
	c.log.Info("upload prepared",
		zap.String("file", in.Path),
		zap.Int64("size", size),
		zap.String("sha256", digest))

	fields := [][2]string{
		{api.FieldDatabase, in.Database},
		{api.FieldStartedAt, in.StartedAt.UTC().Format(time.RFC3339)},
		{api.FieldCompletedAt, in.CompletedAt.UTC().Format(time.RFC3339)},
		{api.FieldDuration, strconv.FormatInt(int64(in.CompletedAt.Sub(in.StartedAt)/time.Second), 10)},
		{api.FieldChecksum, digest},
		{api.FieldSize, strconv.FormatInt(size, 10)},
	}

	var resp api.UploadResponse
	err = c.withRetry(ctx, "upload", func(ctx context.Context) error {
		f, err := os.Open(in.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		body, contentType := multipartStream(fields, filepath.Base(in.Path), f)
		defer body.Close()
		return c.do(ctx, http.MethodPost, api.PathUpload, c.credential, contentType, body, http.StatusCreated, &resp)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return resp.BackupID, nil
}

// ReportFailure records a failed backup run, with the same retry policy as Upload.
func (c *Client) ReportFailure(ctx context.Context, r api.FailureRequest) (uuid.UUID, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return uuid.Nil, err
	}
	var resp api.UploadResponse
	err = c.withRetry(ctx, "report failure", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, api.PathFailures, c.credential, "application/json",
			io.NopCloser(bytes.NewReader(payload)), http.StatusCreated, &resp)
	})
	return resp.BackupID, err
}

// ListOptions filters List.
type ListOptions struct {
	Server string
	DB     string
	From   time.Time
	Until  time.Time
	Limit  int
}

// List returns artifacts visible to the caller.
func (c *Client) List(ctx context.Context, o ListOptions) (api.ListResponse, error) {
	q := url.Values{}
	if o.Server != "" {
		q.Set("server", o.Server)
	}
	if o.DB != "" {
		q.Set("db", o.DB)
	}
	if !o.From.IsZero() {
		q.Set("from", o.From.UTC().Format(time.RFC3339))
	}
	if !o.Until.IsZero() {
		q.Set("until", o.Until.UTC().Format(time.RFC3339))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	path := api.PathBackups
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp api.ListResponse
	err := c.do(ctx, http.MethodGet, path, c.callerTok, "", nil, http.StatusOK, &resp)
	return resp, err
}

// Stats returns the caller's group storage summary.
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var resp api.StatsResponse
	err := c.do(ctx, http.MethodGet, api.PathStats, c.callerTok, "", nil, http.StatusOK, &resp)
	return resp, err
}

// Grant requests a single-use retrieval grant. A zero ttl uses the server default.
func (c *Client) Grant(ctx context.Context, id uuid.UUID, ttl time.Duration) (api.GrantResponse, error) {
	payload, err := json.Marshal(api.GrantRequest{TTLSeconds: int64(ttl / time.Second)})
	if err != nil {
		return api.GrantResponse{}, err
	}
	var resp api.GrantResponse
	err = c.do(ctx, http.MethodPost, api.GrantsPath(id), c.callerTok, "application/json",
		io.NopCloser(bytes.NewReader(payload)), http.StatusCreated, &resp)
	return resp, err
}

// Fetch redeems grantURL and copies the bytes to w, verifying them against the digest the
// server announces. Redemption is single use, so Fetch never retries.
func (c *Client) Fetch(ctx context.Context, grantURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, grantURL, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, decodeAPIError(res)
	}

	h := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(w, h), res.Body, make([]byte, 64*1024))
	if err != nil {
		return n, fmt.Errorf("download: %w", err)
	}
	if res.ContentLength >= 0 && n != res.ContentLength {
		return n, fmt.Errorf("%w: got %d of %d bytes", errs.ErrSizeMismatch, n, res.ContentLength)
	}
	if want := res.Header.Get("X-Checksum-Sha256"); want != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return n, fmt.Errorf("%w: declared %s, computed %s", errs.ErrIntegrityMismatch, want, got)
		}
	}
	return n, nil
}

// withRetry retries temporary failures with exponential backoff from c.backoff.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.NewExponential(c.backoff)
	b = retry.WithCappedDuration(maxBackoff, b)
	b = retry.WithMaxRetries(c.attempts-1, b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		c.log.Warn(op+" failed, retrying",
			zap.Int("attempt", attempt),
			zap.Uint64("max_attempts", c.attempts),
			zap.Error(err))
		return retry.RetryableError(err)
	})
}

func (c *Client) do(ctx context.Context, method, path, bearer, contentType string, body io.ReadCloser, want int, out any) error {
	var rd io.Reader
	if body != nil {
		rd = body
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		return decodeAPIError(res)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func decodeAPIError(res *http.Response) error {
	e := &APIError{StatusCode: res.StatusCode, Code: http.StatusText(res.StatusCode)}
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		e.Code, e.Message = body.Error, body.Message
	}
	return e
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	digest, n, err := integrity.SumReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return digest, n, nil
}

// multipartStream writes fields then the file through a pipe, so the request body is
// produced while it is being sent.
func multipartStream(fields [][2]string, filename string, file io.Reader) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for _, kv := range fields {
				if err := mw.WriteField(kv[0], kv[1]); err != nil {
					return err
				}
			}
			fw, err := mw.CreateFormFile(api.FieldFile, filename)
			if err != nil {
				return err
			}
			if _, err := io.CopyBuffer(fw, file, make([]byte, 64*1024)); err != nil {
				return err
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}
