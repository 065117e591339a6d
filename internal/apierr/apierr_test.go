package apierr

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{BadRequest("bad"), http.StatusBadRequest},
		{Unauthorized("no key"), http.StatusUnauthorized},
		{Forbidden("no role"), http.StatusForbidden},
		{NotFound("config"), http.StatusNotFound},
		{StaleVersion(3, 4), http.StatusConflict},
		{Conflict("dup"), http.StatusConflict},
		{Transient("db down"), http.StatusServiceUnavailable},
		{Invariant("cross-project reference"), http.StatusBadRequest},
		{Internal("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.err.StatusCode(), c.err.Code)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NotFound("config"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"NOT_FOUND"`)
	assert.Contains(t, rec.Body.String(), `"config not found"`)
}

func TestError_ChainingAndMessage(t *testing.T) {
	err := BadRequest("invalid field %q", "name").WithRequestID("req-1").WithDetails(map[string]string{"field": "name"})
	assert.Equal(t, "req-1", err.RequestID)
	assert.Equal(t, `[BAD_REQUEST] invalid field "name"`, err.Error())
	assert.NotNil(t, err.Details)
}

func TestAs(t *testing.T) {
	var err error = NotFound("config")
	apiErr, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, CodeNotFound, apiErr.Code)

	_, ok = As(assert.AnError)
	assert.False(t, ok)
}
