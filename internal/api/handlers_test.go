package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairrelay/internal/auth"
	"pairrelay/internal/logging"
	"pairrelay/internal/relay"
	"pairrelay/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sessionResponse struct {
	SessionID        string `json:"sessionId"`
	WriteKey         string `json:"writeKey"`
	ReadKey          string `json:"readKey"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

type messagesResponse struct {
	Messages []struct {
		Seq       int64           `json:"seq"`
		Body      json.RawMessage `json:"body"`
		Timestamp time.Time       `json:"timestamp"`
	} `json:"messages"`
	NextSince int64 `json:"nextSince"`
}

func TestRelayEndToEndFlow(t *testing.T) {
	router, _ := newTestServer(t, nil)

	sess := createSession(t, router)
	assert.Len(t, sess.SessionID, 8)
	assert.Len(t, sess.WriteKey, 16)
	assert.Len(t, sess.ReadKey, 16)
	assert.EqualValues(t, 600, sess.ExpiresInSeconds)

	rec := doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), `{"a":1}`, nil)
	assertStatus(t, rec, http.StatusOK)
	var posted struct {
		Seq       int64  `json:"seq"`
		Timestamp string `json:"timestamp"`
	}
	decodeJSON(t, rec.Body.Bytes(), &posted)
	assert.EqualValues(t, 1, posted.Seq)
	// whole seconds still carry three fractional digits
	assert.Equal(t, "2024-05-01T12:00:00.000Z", posted.Timestamp)

	rec = doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), `{"b":2}`, nil)
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec.Body.Bytes(), &posted)
	assert.EqualValues(t, 2, posted.Seq)

	rec = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/v1/sessions/%s/messages?r=%s", sess.SessionID, sess.ReadKey), "", nil)
	assertStatus(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"timestamp":"2024-05-01T12:00:00.000Z"`)

	page := getMessages(t, router, sess, 0)
	require.Len(t, page.Messages, 2)
	assert.JSONEq(t, `{"a":1}`, string(page.Messages[0].Body))
	assert.JSONEq(t, `{"b":2}`, string(page.Messages[1].Body))
	assert.EqualValues(t, 2, page.NextSince)

	page = getMessages(t, router, sess, 2)
	assert.Empty(t, page.Messages)
	assert.EqualValues(t, 2, page.NextSince)

	rec = doJSONRequest(t, router, http.MethodPost, postPath(sess, "ffffffffffffffff"), `{"c":3}`, nil)
	assertStatus(t, rec, http.StatusForbidden)
	assertError(t, rec, "Invalid write key")

	rec = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/v1/sessions/%s/messages?r=%s", sess.SessionID, sess.WriteKey), "", nil)
	assertStatus(t, rec, http.StatusForbidden)
	assertError(t, rec, "Invalid read key")

	page = getMessages(t, router, sess, 0)
	assert.Len(t, page.Messages, 2)
}

func TestEmptyPageEncodesArray(t *testing.T) {
	router, _ := newTestServer(t, nil)
	sess := createSession(t, router)

	rec := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/v1/sessions/%s/messages?r=%s", sess.SessionID, sess.ReadKey), "", nil)
	assertStatus(t, rec, http.StatusOK)
	assert.JSONEq(t, `{"messages":[],"nextSince":0}`, rec.Body.String())
}

func TestSinceParsing(t *testing.T) {
	router, _ := newTestServer(t, nil)
	sess := createSession(t, router)
	for i := 0; i < 3; i++ {
		rec := doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), fmt.Sprint(i), nil)
		assertStatus(t, rec, http.StatusOK)
	}

	for since, want := range map[string]int{"": 3, "abc": 3, "-4": 3, "1": 2, "3": 0, "1.5": 3, "2abc": 3} {
		rec := doJSONRequest(t, router, http.MethodGet,
			fmt.Sprintf("/v1/sessions/%s/messages?r=%s&since=%s", sess.SessionID, sess.ReadKey, since), "", nil)
		assertStatus(t, rec, http.StatusOK)
		var page messagesResponse
		decodeJSON(t, rec.Body.Bytes(), &page)
		assert.Len(t, page.Messages, want, "since=%q", since)
	}
}

func TestPostRejections(t *testing.T) {
	router, _ := newTestServer(t, nil)
	sess := createSession(t, router)

	big := `"` + strings.Repeat("x", 69998) + `"`
	rec := doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), big, nil)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
	assertError(t, rec, "Payload too large")

	rec = doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), `{"a":`, nil)
	assertStatus(t, rec, http.StatusBadRequest)
	assertError(t, rec, "Invalid JSON body")

	rec = doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), "", nil)
	assertStatus(t, rec, http.StatusBadRequest)

	// authorization is decided before size
	rec = doJSONRequest(t, router, http.MethodPost, postPath(sess, ""), big, nil)
	assertStatus(t, rec, http.StatusForbidden)

	rec = doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), "{\"a\":\"\xff\xfe\"}", nil)
	assertStatus(t, rec, http.StatusBadRequest)
	assertError(t, rec, "Invalid JSON body")

	// a body that fails mid-read is still checked against the key first
	rec = doBrokenBodyRequest(t, router, postPath(sess, "ffffffffffffffff"))
	assertStatus(t, rec, http.StatusForbidden)
	rec = doBrokenBodyRequest(t, router, postPath(sess, sess.WriteKey))
	assertStatus(t, rec, http.StatusBadRequest)
	assertError(t, rec, "Invalid JSON body")

	page := getMessages(t, router, sess, 0)
	assert.Empty(t, page.Messages)
}

func TestCapacityLimit(t *testing.T) {
	router, _ := newTestServer(t, nil)
	sess := createSession(t, router)

	for i := 1; i <= relay.DefaultMaxMessages; i++ {
		rec := doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), `{}`, nil)
		assertStatus(t, rec, http.StatusOK)
	}
	rec := doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), `{}`, nil)
	assertStatus(t, rec, http.StatusTooManyRequests)
	assertError(t, rec, "Message limit reached")

	page := getMessages(t, router, sess, 0)
	assert.Len(t, page.Messages, relay.DefaultMaxMessages)
}

func TestExpiredSession(t *testing.T) {
	router, clock := newTestServer(t, nil)
	sess := createSession(t, router)

	clock.Advance(10*time.Minute + time.Second)
	rec := doJSONRequest(t, router, http.MethodPost, postPath(sess, sess.WriteKey), `{}`, nil)
	assertStatus(t, rec, http.StatusGone)
	assertError(t, rec, "Session expired")

	clock.Advance(time.Hour)
	rec = doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/v1/sessions/%s/messages?r=%s", sess.SessionID, sess.ReadKey), "", nil)
	assertStatus(t, rec, http.StatusGone)
}

func TestUnknownRoutesAndSessions(t *testing.T) {
	router, _ := newTestServer(t, nil)

	cases := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/", "Not found"},
		{http.MethodGet, "/v1/sessions", "Not found"},
		{http.MethodPost, "/v1/sessions/", "Not found"},
		{http.MethodDelete, "/v1/sessions/0123abcd/messages", "Not found"},
		{http.MethodPost, "/v2/sessions", "Not found"},
		{http.MethodGet, "/v1/sessions/0123abcd/messages?r=x", "Session not found"},
		{http.MethodGet, "/v1/sessions/NOTHEX!!/messages?r=x", "Session not found"},
		{http.MethodPost, "/v1/sessions/0123abc/messages?w=x", "Session not found"},
		{http.MethodPost, "/v1/sessions/0123ABCD/messages?w=x", "Session not found"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := doJSONRequest(t, router, tc.method, tc.path, `{}`, nil)
			assertStatus(t, rec, http.StatusNotFound)
			assertError(t, rec, tc.want)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORSOpenByDefault(t *testing.T) {
	router, _ := newTestServer(t, nil)

	rec := doJSONRequest(t, router, http.MethodPost, "/v1/sessions", "", map[string]string{"Origin": "https://anywhere.example"})
	assertStatus(t, rec, http.StatusCreated)
	h := rec.Header()
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", h.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", h.Get("Access-Control-Max-Age"))
	assert.Equal(t, "Origin", h.Get("Vary"))
	assert.NotEmpty(t, h.Get(logging.RequestIDHeader))
}

func TestCORSAllowList(t *testing.T) {
	router, _ := newTestServer(t, []string{"https://viewer.example", "https://sender.example"})

	rec := doJSONRequest(t, router, http.MethodPost, "/v1/sessions", "", map[string]string{"Origin": "https://viewer.example"})
	assertStatus(t, rec, http.StatusCreated)
	assert.Equal(t, "https://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = doJSONRequest(t, router, http.MethodPost, "/v1/sessions", "", map[string]string{"Origin": "https://evil.example"})
	assertStatus(t, rec, http.StatusCreated)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = doJSONRequest(t, router, http.MethodGet, "/nowhere", "", nil)
	assertStatus(t, rec, http.StatusNotFound)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestPreflightAnyPath(t *testing.T) {
	stub := &stubRelay{}
	router := NewRouter(NewHandler(stub, nil, zerolog.Nop()))

	for _, path := range []string{"/v1/sessions", "/v1/sessions/zz/messages", "/anything/else"} {
		rec := doJSONRequest(t, router, http.MethodOptions, path, "", map[string]string{
			"Origin":                        "https://viewer.example",
			"Access-Control-Request-Method": "POST",
		})
		assertStatus(t, rec, http.StatusNoContent)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	assert.Zero(t, stub.calls)
}

func TestCreateSessionFailure(t *testing.T) {
	stub := &stubRelay{createErr: fmt.Errorf("%w: disk full", relay.ErrInitFailure)}
	router := NewRouter(NewHandler(stub, nil, zerolog.Nop()))

	rec := doJSONRequest(t, router, http.MethodPost, "/v1/sessions", "", nil)
	assertStatus(t, rec, http.StatusInternalServerError)
	assertError(t, rec, "Failed to initialize session")

	stub.createErr = fmt.Errorf("%w: timeout", relay.ErrStoreUnavailable)
	rec = doJSONRequest(t, router, http.MethodPost, "/v1/sessions", "", nil)
	assertStatus(t, rec, http.StatusInternalServerError)
	assertError(t, rec, "Internal error")
}

func TestPostForwardsDeclaredSize(t *testing.T) {
	stub := &stubRelay{}
	router := NewRouter(NewHandler(stub, nil, zerolog.Nop()))

	rec := doJSONRequest(t, router, http.MethodPost, "/v1/sessions/0123abcd/messages?w=k", `{"x":1}`, nil)
	assertStatus(t, rec, http.StatusOK)
	assert.EqualValues(t, 7, stub.lastPost.DeclaredSize)
	assert.Equal(t, "k", stub.lastPost.WriteKey)
	assert.Equal(t, `{"x":1}`, string(stub.lastPost.Body))

	// oversize bodies are cut one byte past the limit before dispatch
	body := strings.Repeat("1", 200)
	rec = doJSONRequest(t, router, http.MethodPost, "/v1/sessions/0123abcd/messages?w=k", body, nil)
	assertStatus(t, rec, http.StatusOK)
	assert.Len(t, stub.lastPost.Body, int(stub.MaxBodyBytes())+1)
}

func TestErrorResponseMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{relay.ErrNotFound, http.StatusNotFound, "Session not found"},
		{relay.ErrExpired, http.StatusGone, "Session expired"},
		{relay.ErrInvalidWriteKey, http.StatusForbidden, "Invalid write key"},
		{relay.ErrInvalidReadKey, http.StatusForbidden, "Invalid read key"},
		{relay.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "Payload too large"},
		{relay.ErrCapacityExceeded, http.StatusTooManyRequests, "Message limit reached"},
		{relay.ErrMalformedBody, http.StatusBadRequest, "Invalid JSON body"},
		{relay.ErrInitFailure, http.StatusInternalServerError, "Failed to initialize session"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "Internal error"},
	}
	for _, tc := range cases {
		status, msg := errorResponse(fmt.Errorf("wrapped: %w", tc.err))
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.msg, msg, tc.err.Error())
	}
}

type stubRelay struct {
	mu        sync.Mutex
	calls     int
	createErr error
	lastPost  relay.PostRequest
}

func (s *stubRelay) CreateSession(context.Context) (auth.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.createErr != nil {
		return auth.Credentials{}, s.createErr
	}
	return auth.NewCredentials()
}

func (s *stubRelay) PostMessage(_ context.Context, _ string, req relay.PostRequest) (relay.PostResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPost = req
	return relay.PostResult{Seq: 1, Timestamp: time.Now().UTC()}, nil
}

func (s *stubRelay) GetMessages(context.Context, string, string, int64) (relay.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return relay.Page{}, nil
}

func (s *stubRelay) TTL() time.Duration { return time.Minute }

func (s *stubRelay) MaxBodyBytes() int64 { return 64 }

func newTestServer(t *testing.T, origins []string) (*gin.Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := relay.New(storage.NewMemoryStore(), relay.Options{Now: clock.Now, IdleTimeout: -1})
	t.Cleanup(svc.Close)
	return NewRouter(NewHandler(svc, origins, zerolog.Nop())), clock
}

func createSession(t *testing.T, router *gin.Engine) sessionResponse {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodPost, "/v1/sessions", "", nil)
	assertStatus(t, rec, http.StatusCreated)
	var sess sessionResponse
	decodeJSON(t, rec.Body.Bytes(), &sess)
	return sess
}

func getMessages(t *testing.T, router *gin.Engine, sess sessionResponse, since int64) messagesResponse {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/v1/sessions/%s/messages?r=%s&since=%d", sess.SessionID, sess.ReadKey, since), "", nil)
	assertStatus(t, rec, http.StatusOK)
	var page messagesResponse
	decodeJSON(t, rec.Body.Bytes(), &page)
	return page
}

func postPath(sess sessionResponse, writeKey string) string {
	return fmt.Sprintf("/v1/sessions/%s/messages?w=%s", sess.SessionID, writeKey)
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type brokenReader struct{ sent bool }

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, io.ErrUnexpectedEOF
	}
	r.sent = true
	return copy(p, `{"a":`), nil
}

func doBrokenBodyRequest(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, &brokenReader{})
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	assert.Equal(t, want, body.Error)
}
