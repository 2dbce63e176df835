package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/internal/apperror"
)

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperror.AuthError("nope"), http.StatusUnauthorized},
		{apperror.NotFound("missing"), http.StatusNotFound},
		{apperror.BadRequest("bad"), http.StatusBadRequest},
		{apperror.Conflict("busy"), http.StatusConflict},
		{apperror.PreconditionFailed("stale"), http.StatusPreconditionFailed},
		{apperror.PayloadTooLarge("big"), http.StatusRequestEntityTooLarge},
		{apperror.Timeout("slow"), http.StatusGatewayTimeout},
		{apperror.Internal("boom", nil), http.StatusInternalServerError},
		{errors.New("bare"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, statusFromError(c.err), "for %v", c.err)
	}
}

// Internal causes must never leak their message to the client.
func TestWriteError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apperror.Internal("pg: connection refused on 10.0.0.7", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestWriteError_SurfacesClientDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apperror.BadRequest("If-Match header is required"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "If-Match header is required")
}

func TestParseIfMatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/backup", nil)
	req.Header.Set("If-Match", `"3"`)
	v, err := parseIfMatch(req)
	require.NoError(t, err)
	require.EqualValues(t, 3, v)

	req.Header.Set("If-Match", "7")
	v, err = parseIfMatch(req)
	require.NoError(t, err)
	require.EqualValues(t, 7, v)

	req.Header.Set("If-Match", "not-a-number")
	_, err = parseIfMatch(req)
	require.True(t, apperror.Is(err, apperror.KindBadRequest))

	req.Header.Del("If-Match")
	_, err = parseIfMatch(req)
	require.True(t, apperror.Is(err, apperror.KindBadRequest))
}
