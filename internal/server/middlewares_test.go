package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadline/internal/accesstime"
	"threadline/internal/ratelimit"
)

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func jsonRequest(t *testing.T, target string, body string) *http.Request {
	req, err := http.NewRequest("POST", target, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:4242"
	return req
}

func TestEnforcePostJson(t *testing.T) {
	t.Parallel()

	req := jsonRequest(t, "/", `{"username":"alice"}`)

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePostJsonNotPost(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("GET", "/", bytes.NewBufferString(`{"username":"alice"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePostJsonMalformedContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBufferString(`{"username":"alice"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePostJsonUnsupportedContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBufferString(`{"username":"alice"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforcePostJsonNoBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBuffer(nil))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "No body provided\n", rr.Body.String())
}

func TestEnforcePostJsonMalformedJson(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	req := jsonRequest(t, "/", `{"username":alice"}`)

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestThrottleRejectsOverLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(2, time.Minute)
	now := time.Date(2020, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	handler := throttle(http.HandlerFunc(statusOkHandler), limiter, "POST", "/messages/send", clock)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, jsonRequest(t, "/messages/send", `{}`))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest(t, "/messages/send", `{}`))
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "Message limit exceeded. Try again later.\n", rr.Body.String())
}

func TestThrottleIgnoresOtherEndpoints(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(1, time.Minute)
	now := time.Date(2020, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	handler := throttle(http.HandlerFunc(statusOkHandler), limiter, "POST", "/messages/send", clock)

	// unguarded endpoint never consumes quota
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, jsonRequest(t, "/messages/thread", `{}`))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest(t, "/messages/send", `{}`))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestThrottlePerClient(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(1, time.Minute)
	now := time.Date(2020, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	handler := throttle(http.HandlerFunc(statusOkHandler), limiter, "POST", "/messages/send", clock)

	first := jsonRequest(t, "/messages/send", `{}`)
	first.Header.Set("X-Forwarded-For", "203.0.113.7")

	second := jsonRequest(t, "/messages/send", `{}`)
	second.Header.Set("X-Forwarded-For", "203.0.113.8")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, first)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, first)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, second)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRestrictAccessTimeDenied(t *testing.T) {
	t.Parallel()

	gate := accesstime.New(accesstime.Window{Open: 6, Close: 0}, "Access is restricted outside the allowed hours.")
	night := func() time.Time { return time.Date(2020, 7, 1, 3, 0, 0, 0, time.UTC) }

	handler := restrictAccessTime(http.HandlerFunc(statusOkHandler), gate, night)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest(t, "/messages/send", `{}`))

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "Access is restricted outside the allowed hours.\n", rr.Body.String())
}

func TestRestrictAccessTimeAllowed(t *testing.T) {
	t.Parallel()

	gate := accesstime.New(accesstime.Window{Open: 6, Close: 0}, "Access is restricted outside the allowed hours.")
	noon := func() time.Time { return time.Date(2020, 7, 1, 12, 0, 0, 0, time.UTC) }

	handler := restrictAccessTime(http.HandlerFunc(statusOkHandler), gate, noon)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest(t, "/messages/send", `{}`))

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRejectionReasonsDiffer(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(0, time.Minute)
	gate := accesstime.New(accesstime.Window{Open: 6, Close: 0}, "Access is restricted outside the allowed hours.")
	night := func() time.Time { return time.Date(2020, 7, 1, 3, 0, 0, 0, time.UTC) }

	throttled := httptest.NewRecorder()
	throttle(http.HandlerFunc(statusOkHandler), limiter, "POST", "/", night).
		ServeHTTP(throttled, jsonRequest(t, "/messages/send", `{}`))

	gated := httptest.NewRecorder()
	restrictAccessTime(http.HandlerFunc(statusOkHandler), gate, night).
		ServeHTTP(gated, jsonRequest(t, "/messages/send", `{}`))

	require.Equal(t, http.StatusForbidden, throttled.Code)
	require.Equal(t, http.StatusForbidden, gated.Code)
	require.NotEqual(t, throttled.Body.String(), gated.Body.String())
}
