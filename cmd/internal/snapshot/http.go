package snapshot

import (
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"easel/cmd/internal/ids"

	"golang.org/x/crypto/blake2b"
)

// VersionHeader carries the snapshot version on GET and PUT responses.
const VersionHeader = "X-Snapshot-Version"

const maxMessageBodyBytes = 64 << 10

// Handler serves the store HTTP API:
//
//	GET  /sessions/{id}/snapshot   latest canvas (image/png), 404 when none
//	PUT  /sessions/{id}/snapshot   overwrite canvas, returns the new version
//	GET  /sessions/{id}/messages   chat log, ?limit=N newest messages
//	POST /sessions/{id}/messages   append one message (idempotent on messageID)
type Handler struct {
	log   *slog.Logger
	store Store
	now   func() time.Time
}

// NewHandler constructs a Handler over store.
func NewHandler(log *slog.Logger, store Store) *Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{log: log, store: store, now: time.Now}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil || h.store == nil {
		return
	}
	mux.HandleFunc("GET /sessions/{id}/snapshot", h.handleGetSnapshot)
	mux.HandleFunc("PUT /sessions/{id}/snapshot", h.handlePutSnapshot)
	mux.HandleFunc("GET /sessions/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /sessions/{id}/messages", h.handleAppendMessage)
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "invalid session id")
		return "", false
	}
	return id, true
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.store.GetSnapshot(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no snapshot for session")
		return
	}
	if err != nil {
		h.log.Error("snapshot.http.get.fail", "session_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "snapshot store unavailable")
		return
	}

	etag := ETag(snap.Data)
	w.Header().Set("ETag", etag)
	w.Header().Set(VersionHeader, strconv.FormatInt(snap.Version, 10))
	w.Header().Set("Cache-Control", "no-cache")
	if !snap.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", snap.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.Data)
}

func (h *Handler) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	defer func() { _ = r.Body.Close() }()

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "snapshot too large")
		return
	}
	version, err := h.store.PutSnapshot(r.Context(), id, data)
	if errors.Is(err, ErrInvalid) {
		writeError(w, http.StatusBadRequest, "invalid_snapshot", err.Error())
		return
	}
	if err != nil {
		h.log.Error("snapshot.http.put.fail", "session_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "snapshot store unavailable")
		return
	}
	w.Header().Set(VersionHeader, strconv.FormatInt(version, 10))
	writeJSON(w, http.StatusOK, putSnapshotResponse{SessionID: id, Version: version})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		msgs []Message
		err  error
	)
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "invalid_after", "after must be a non-negative seq")
			return
		}
		msgs, err = h.store.ListMessagesAfter(r.Context(), id, after, limit)
	} else {
		msgs, err = h.store.ListMessages(r.Context(), id, limit)
	}
	if err != nil {
		h.log.Error("snapshot.http.list.fail", "session_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "snapshot store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{SessionID: id, Messages: msgs})
}

func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var m Message
	if err := decodeJSON(w, r, maxMessageBodyBytes, &m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if m.SessionID != "" && m.SessionID != id {
		writeError(w, http.StatusBadRequest, "session_mismatch", "sessionID does not match path")
		return
	}
	m.SessionID = id
	now := h.now().UTC()
	if strings.TrimSpace(m.ID) == "" {
		m.ID = ids.MustULID(now)
	}
	if m.ServerTS.IsZero() {
		m.ServerTS = now
	}

	res, err := h.store.AppendMessage(r.Context(), m)
	if errors.Is(err, ErrInvalid) {
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}
	if err != nil {
		h.log.Error("snapshot.http.append.fail", "session_id", id, "message_id", m.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "snapshot store unavailable")
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, appendMessageResponse{Message: res.Stored, Duplicated: res.Duplicated})
}

// ETag returns a strong entity tag for snapshot bytes.
func ETag(data []byte) string {
	sum := blake2b.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
