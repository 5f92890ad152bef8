package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPStore is a Store client for a remote easel store API (see Handler).
// It lets relay nodes share one durable store process.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
	token  string
}

// HTTPOption configures HTTPStore behavior.
type HTTPOption func(*HTTPStore)

// WithHTTPClient overrides the HTTP client (default: 10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		if c != nil {
			s.client = c
		}
	}
}

// WithBearerToken sends Authorization: Bearer <token> on every request.
func WithBearerToken(token string) HTTPOption {
	return func(s *HTTPStore) { s.token = strings.TrimSpace(token) }
}

// NewHTTPStore constructs a client for the API rooted at baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("snapshot: unsupported base url scheme %q", u.Scheme)
	}
	s := &HTTPStore{base: u, client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *HTTPStore) endpoint(sessionID, leaf string) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + url.PathEscape(sessionID) + "/" + leaf
	return u.String()
}

func (s *HTTPStore) do(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return s.client.Do(req)
}

// GetSnapshot fetches the snapshot or returns ErrNotFound.
func (s *HTTPStore) GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := checkSessionID(sessionID); err != nil {
		return Snapshot{}, err
	}
	resp, err := s.do(ctx, http.MethodGet, s.endpoint(sessionID, "snapshot"), "", nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Snapshot{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, statusError("get snapshot", resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSnapshotBytes+1))
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	version, err := strconv.ParseInt(resp.Header.Get(VersionHeader), 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: bad %s header: %w", VersionHeader, err)
	}
	out := Snapshot{SessionID: sessionID, Data: data, Version: version}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			out.UpdatedAt = t.UTC()
		}
	}
	return out, nil
}

// PutSnapshot uploads data and returns the new version.
func (s *HTTPStore) PutSnapshot(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if err := checkSnapshot(sessionID, data); err != nil {
		return 0, err
	}
	resp, err := s.do(ctx, http.MethodPut, s.endpoint(sessionID, "snapshot"), "image/png", data)
	if err != nil {
		return 0, fmt.Errorf("put snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError("put snapshot", resp)
	}
	var out putSnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("put snapshot: decode: %w", err)
	}
	return out.Version, nil
}

// ListMessages fetches the newest limit messages.
func (s *HTTPStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, s.endpoint(sessionID, "messages")+"?limit="+strconv.Itoa(clampLimit(limit)))
}

// ListMessagesAfter fetches one page of messages after afterSeq.
func (s *HTTPStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(clampLimit(limit)))
	return s.listMessages(ctx, s.endpoint(sessionID, "messages")+"?"+q.Encode())
}

func (s *HTTPStore) listMessages(ctx context.Context, target string) ([]Message, error) {
	resp, err := s.do(ctx, http.MethodGet, target, "", nil)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list messages", resp)
	}
	var out listMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list messages: decode: %w", err)
	}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out.Messages, nil
}

// AppendMessage posts m; the server dedupes on its ID.
func (s *HTTPStore) AppendMessage(ctx context.Context, m Message) (AppendResult, error) {
	m, err := normalizeMessage(m)
	if err != nil {
		return AppendResult{}, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return AppendResult{}, err
	}
	resp, err := s.do(ctx, http.MethodPost, s.endpoint(m.SessionID, "messages"), "application/json", body)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return AppendResult{}, statusError("append message", resp)
	}
	var out appendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AppendResult{}, fmt.Errorf("append message: decode: %w", err)
	}
	return AppendResult{Stored: out.Message, Duplicated: out.Duplicated}, nil
}

// Ping checks the remote /readyz endpoint.
func (s *HTTPStore) Ping(ctx context.Context) error {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/readyz"
	resp, err := s.do(ctx, http.MethodGet, u.String(), "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("store not ready: status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// statusError maps an unexpected response to an error; 4xx become ErrInvalid
// so callers stop retrying them.
func statusError(op string, resp *http.Response) error {
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
	msg := e.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%s: %w: %s", op, ErrInvalid, msg)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, msg)
}

// IsPermanent reports whether err will not go away on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalid)
}

var _ Store = (*HTTPStore)(nil)
