package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/backup"
)

// backupHandler serves the versioned backup slot: POST uploads the next
// version conditioned on If-Match, GET streams the current version, HEAD
// reports its ETag and length without a body.
type backupHandler struct {
	backups *backup.Service
}

// requestUser extracts the caller's identity. Authentication is out of
// scope for this module; a fronting proxy is expected to verify the token
// and inject the user id this handler trusts.
func requestUser(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperror.AuthError("missing or invalid user id")
	}
	return id, nil
}

func parseIfMatch(r *http.Request) (int32, error) {
	raw := strings.Trim(r.Header.Get("If-Match"), `"`)
	if raw == "" {
		return 0, apperror.BadRequest("If-Match header is required")
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 0 {
		return 0, apperror.BadRequest("If-Match must be a non-negative version number")
	}
	return int32(v), nil
}

func (h *backupHandler) upload(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ifMatch, err := parseIfMatch(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.ContentLength < 0 {
		writeError(w, apperror.BadRequest("Content-Length is required"))
		return
	}

	if err := h.backups.Upload(r.Context(), userID, ifMatch, r.Body, r.ContentLength); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, ifMatch+1))
	w.WriteHeader(http.StatusOK)
}

func (h *backupHandler) download(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	version, _, err := h.backups.Head(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	size, body, err := h.backups.Download(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, version))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body) //nolint:errcheck
}

func (h *backupHandler) head(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	version, size, err := h.backups.Head(r.Context(), userID)
	if err != nil {
		w.WriteHeader(statusFromError(err))
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, version))
	w.WriteHeader(http.StatusOK)
}
