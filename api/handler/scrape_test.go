package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/scrapeserv/api/middleware"
	"github.com/use-agent/scrapeserv/engine"
	"github.com/use-agent/scrapeserv/guard"
	"github.com/use-agent/scrapeserv/models"
	"github.com/use-agent/scrapeserv/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testLimits = models.Limits{
	MaxWait:            5000,
	DefaultWait:        1000,
	MaxScreenshots:     5,
	DefaultScreenshots: 1,
	MinDim:             models.Dim{Width: 100, Height: 100},
	MaxDim:             models.Dim{Width: 2400, Height: 4000},
	DefaultDim:         models.Dim{Width: 1280, Height: 2000},
}

// staticResolver answers from a fixed table.
type staticResolver map[string][]string

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]netip.Addr, len(ips))
	for i, s := range ips {
		out[i] = netip.MustParseAddr(s)
	}
	return out, nil
}

func testGuard() *guard.Guard {
	return guard.New(guard.WithResolver(staticResolver{
		"example.com":       {"93.184.216.34"},
		"metadata.internal": {"169.254.169.254"},
		"mixed.example":     {"93.184.216.34", "10.0.0.5"},
	}))
}

type stubExecutor struct {
	calls    atomic.Int32
	released atomic.Int32
	lastJob  atomic.Pointer[engine.Job]
	render   func(job *engine.Job) (*engine.Result, error)
}

func (s *stubExecutor) Render(_ context.Context, job *engine.Job) (*engine.Result, error) {
	s.calls.Add(1)
	s.lastJob.Store(job)
	return s.render(job)
}

func (s *stubExecutor) page(contentType string, shots int) func(*engine.Job) (*engine.Result, error) {
	return func(job *engine.Job) (*engine.Result, error) {
		headers := []engine.Header{{Name: "Server", Value: "test"}}
		if contentType != "" {
			headers = append(headers, engine.Header{Name: "Content-Type", Value: contentType})
		}
		res := &engine.Result{
			Status:    200,
			Headers:   headers,
			Content:   engine.BytesArtifact("<html><title>hi</title></html>"),
			Metadata:  map[string]any{"title": "hi"},
			OnRelease: func() { s.released.Add(1) },
		}
		for i := 0; i < shots && i < job.MaxScreenshots; i++ {
			res.Screenshots = append(res.Screenshots, engine.BytesArtifact("img"))
		}
		return res, nil
	}
}

func newTestEngine(exec engine.Executor, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.Use(middleware.RequestID())
	r.POST("/scrape", Scrape(testGuard(), engine.NewDispatcher(exec, time.Second, nil), testLimits, nil))
	return r
}

func doScrape(r http.Handler, body string, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1, "error bodies carry only the error field")
	msg, ok := body["error"].(string)
	require.True(t, ok)
	return msg
}

func TestScrape_UnsafeURL(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = exec.page("text/html", 1)
	r := newTestEngine(exec)

	for _, u := range []string{
		"http://metadata.internal/latest/meta-data",
		"http://169.254.169.254/",
		"http://mixed.example/",
		"http://127.0.0.1:8080/",
		"file:///etc/passwd",
		"http://does-not-resolve.example/",
	} {
		t.Run(u, func(t *testing.T) {
			rec := doScrape(r, `{"url":"`+u+`"}`, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, models.MsgUnsafeURL, errorBody(t, rec))
		})
	}
	assert.Zero(t, exec.calls.Load(), "refused URLs never reach the executor")
}

func TestScrape_AdmissionBeforeValidation(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = exec.page("text/html", 1)

	rec := doScrape(newTestEngine(exec), `{"url":"http://metadata.internal/","wait":-1}`, "image/gif")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.MsgUnsafeURL, errorBody(t, rec))
}

func TestScrape_MissingURL(t *testing.T) {
	exec := &stubExecutor{}
	for _, body := range []string{`{}`, `{"url":""}`, `{"url":"   "}`} {
		rec := doScrape(newTestEngine(exec), body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, models.MsgNoURL, errorBody(t, rec))
	}
}

func TestScrape_MalformedBody(t *testing.T) {
	exec := &stubExecutor{}
	for _, body := range []string{``, `not json`, `[1, 2]`, `"http://example.com"`} {
		rec := doScrape(newTestEngine(exec), body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, models.MsgBadBody, errorBody(t, rec))
	}
	assert.Zero(t, exec.calls.Load())
}

func TestScrape_WrongFieldType(t *testing.T) {
	exec := &stubExecutor{}
	tests := []struct {
		body string
		msg  string
	}{
		{`{"url": 5}`, `Value for "url" must be a string`},
		{`{"url":"http://example.com","wait":"soon"}`, `Value for "wait" must be an integer`},
		{`{"url":"http://example.com","wait":1.5}`, `Value for "wait" must be an integer`},
		{`{"url":"http://example.com","wait":1e20}`, `Value for "wait" must be an integer`},
		{`{"url":"http://example.com","max_screenshots":-1e30}`, `Value for "max_screenshots" must be an integer`},
		{`{"url":"http://example.com","browser_dim":"800x600"}`, `Value for "browser_dim" must be a pair of integers`},
	}
	for _, tt := range tests {
		rec := doScrape(newTestEngine(exec), tt.body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.body)
		assert.Equal(t, tt.msg, errorBody(t, rec), tt.body)
	}
	assert.Zero(t, exec.calls.Load())
}

func TestScrape_BodyTooLarge(t *testing.T) {
	exec := &stubExecutor{}
	body := `{"url":"http://example.com","pad":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	rec := doScrape(newTestEngine(exec), body, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, exec.calls.Load())
}

func TestScrape_ValidationErrors(t *testing.T) {
	exec := &stubExecutor{}
	r := newTestEngine(exec)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"wait", `{"url":"http://example.com","wait":99999}`, `Value 99999 for "wait" is unacceptable; must be between 0 and 5000`},
		{"width", `{"url":"http://example.com","browser_dim":[50,1000]}`, "Value 50 for browser width is unacceptable; must be between 100 and 2400"},
		{"height", `{"url":"http://example.com","browser_dim":[1000,5000]}`, "Value 5000 for browser height is unacceptable; must be between 100 and 4000"},
		{"screenshots", `{"url":"http://example.com","max_screenshots":6}`, `Value 6 for "max_screenshots" is unacceptable; must be between 0 and 5`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doScrape(r, tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, errorBody(t, rec))
		})
	}
	assert.Zero(t, exec.calls.Load())
}

func TestScrape_NotAcceptable(t *testing.T) {
	exec := &stubExecutor{}
	rec := doScrape(newTestEngine(exec), `{"url":"http://example.com"}`, "image/gif")

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	msg := errorBody(t, rec)
	assert.Contains(t, msg, "image/gif")
	assert.Contains(t, msg, "image/webp, image/png, image/jpeg, image/*, */*")
	assert.Zero(t, exec.calls.Load())
}

func TestScrape_DispatchFailure(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = func(*engine.Job) (*engine.Result, error) {
		return nil, errors.New("chromium crashed with a secret stack trace")
	}

	rec := doScrape(newTestEngine(exec), `{"url":"http://example.com"}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.MsgGenericFailed, errorBody(t, rec))
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestScrape_MissingContentType(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = exec.page("", 1)

	rec := doScrape(newTestEngine(exec), `{"url":"http://example.com"}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.MsgGenericFailed, errorBody(t, rec))
	assert.Equal(t, int32(1), exec.released.Load())
}

func TestScrape_Success(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = exec.page("text/html; charset=utf-8", 5)

	rec := doScrape(newTestEngine(exec), `{"url":"https://example.com","max_screenshots":2,"browser_dim":[800,600],"wait":0}`, "image/webp")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	mr := multipart.NewReader(bytes.NewReader(rec.Body.Bytes()), params["boundary"])
	var names []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, p.FileName())
		if p.FileName() == "info.json" {
			var info map[string]any
			require.NoError(t, json.NewDecoder(p).Decode(&info))
			assert.EqualValues(t, 200, info["status"])
			headers := info["headers"].(map[string]any)
			assert.Equal(t, "test", headers["server"], "header names are lowercased")
		}
	}
	assert.Equal(t, []string{"info.json", "main.html", "ss0.webp", "ss1.webp"}, names)

	job := exec.lastJob.Load()
	require.NotNil(t, job)
	assert.Equal(t, engine.Job{URL: "https://example.com", WaitMs: 0, Format: models.FormatWebP, MaxScreenshots: 2, Width: 800, Height: 600}, *job)
	assert.Equal(t, int32(1), exec.released.Load())
}

func TestScrape_DefaultsApplied(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = exec.page("text/plain", 1)

	rec := doScrape(newTestEngine(exec), `{"url":"http://example.com"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	job := exec.lastJob.Load()
	assert.Equal(t, 1000, job.WaitMs)
	assert.Equal(t, 1, job.MaxScreenshots)
	assert.Equal(t, 1280, job.Width)
	assert.Equal(t, 2000, job.Height)
	assert.Equal(t, models.FormatJPEG, job.Format)
	assert.Contains(t, rec.Body.String(), `filename="main.txt"`)
	assert.Contains(t, rec.Body.String(), `filename="ss0.jpeg"`)
}

// failingArtifact yields some bytes and then an error.
type failingArtifact struct{}

func (failingArtifact) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(
		strings.NewReader(strings.Repeat("a", 8192)),
		errReader{},
	)), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk vanished") }

func TestScrape_MidStreamFailureAbortsConnection(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = func(*engine.Job) (*engine.Result, error) {
		return &engine.Result{
			Status:    200,
			Headers:   []engine.Header{{Name: "content-type", Value: "text/html"}},
			Content:   failingArtifact{},
			OnRelease: func() { exec.released.Add(1) },
		}, nil
	}

	srv := httptest.NewUnstartedServer(newTestEngine(exec))
	srv.Config.ConnContext = ConnContext
	srv.Start()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/scrape", "application/json", strings.NewReader(`{"url":"http://example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "headers were already sent")

	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err, "truncated stream must surface as a transport error")
	assert.Eventually(t, func() bool { return exec.released.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScrape_UnopenableContentIs500(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = func(*engine.Job) (*engine.Result, error) {
		return &engine.Result{
			Status:    200,
			Headers:   []engine.Header{{Name: "content-type", Value: "text/html"}},
			Content:   engine.FileArtifact{Path: filepath.Join(t.TempDir(), "gone")},
			OnRelease: func() { exec.released.Add(1) },
		}, nil
	}

	rec := doScrape(newTestEngine(exec), `{"url":"http://example.com"}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.MsgGenericFailed, errorBody(t, rec))
	assert.Equal(t, int32(1), exec.released.Load())
}

func TestScrape_MidStreamFailureWithoutConnContext(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = func(*engine.Job) (*engine.Result, error) {
		return &engine.Result{
			Status:    200,
			Headers:   []engine.Header{{Name: "content-type", Value: "text/html"}},
			Content:   failingArtifact{},
			OnRelease: func() { exec.released.Add(1) },
		}, nil
	}

	srv := httptest.NewServer(newTestEngine(exec, middleware.Recovery()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/scrape", "application/json", strings.NewReader(`{"url":"http://example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err, "the short body must not end cleanly")
	assert.Eventually(t, func() bool { return exec.released.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriteStream_ClientGone(t *testing.T) {
	exec := &stubExecutor{}
	exec.render = exec.page("text/html", 1)

	out := engine.NewDispatcher(exec, time.Second, nil).Dispatch(context.Background(), models.ScrapeParams{
		URL: "http://example.com", MaxScreenshots: 1, Format: models.FormatPNG,
	})
	require.True(t, out.OK())
	defer out.Success.Release()

	enc, err := stream.New(out.Success, models.FormatPNG)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/scrape", nil).WithContext(ctx)

	_, err = writeStream(c, enc, nil)
	assert.ErrorIs(t, err, errClientGone)
}
