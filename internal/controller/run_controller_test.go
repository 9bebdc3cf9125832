package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"runnerd/internal/runner"
	appErr "runnerd/pkg/errors"
)

type fakeService struct {
	lastReq  runner.RunRequest
	lastPath string
	resp     runner.RunResponse
	ready    bool
	err      error
}

func (f *fakeService) Run(ctx context.Context, req runner.RunRequest) (runner.RunResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeService) CheckReadiness(ctx context.Context, path string) (bool, error) {
	f.lastPath = path
	return f.ready, f.err
}

func newTestRouter(svc runner.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddleware())
	NewRunController(svc).RegisterRoutes(r)
	return r
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env
}

func TestRunEndpoint(t *testing.T) {
	svc := &fakeService{resp: runner.RunResponse{
		ExitCode: 42,
		Status:   runner.StatusCompleted,
	}}
	router := newTestRouter(svc)

	body := `{
		"arguments": ["/bin/echo", "hi"],
		"workingDirectory": "work",
		"stdoutPath": "out",
		"stderrPath": "err",
		"inputRootDirectory": "root",
		"temporaryDirectory": "tmp1",
		"timeoutSeconds": 10
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/run", strings.NewReader(body))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if env.Code != appErr.Success {
		t.Fatalf("code = %d, want success", env.Code)
	}
	var resp runner.RunResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ExitCode != 42 || resp.Status != runner.StatusCompleted {
		t.Errorf("resp = %+v", resp)
	}
	if len(svc.lastReq.Arguments) != 2 || svc.lastReq.TimeoutSeconds != 10 {
		t.Errorf("service request = %+v", svc.lastReq)
	}
	if w.Header().Get("X-Trace-Id") == "" {
		t.Error("missing X-Trace-Id header")
	}
}

func TestRunEndpointBadJSON(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader([]byte("{not json")))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Code != appErr.InvalidArgument {
		t.Errorf("code = %d, want InvalidArgument", env.Code)
	}
}

func TestRunEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", appErr.ValidationError("stdoutPath", "required"), http.StatusBadRequest},
		{"escape", appErr.PathError("../x", "traverses above the build root"), http.StatusBadRequest},
		{"not found", appErr.NotFoundError("working directory"), http.StatusNotFound},
		{"exhausted", appErr.New(appErr.ResourceExhausted), http.StatusTooManyRequests},
		{"internal", appErr.New(appErr.SpawnFailed), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&fakeService{err: tc.err})
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/run",
				strings.NewReader(`{"arguments":["x"],"stdoutPath":"o","stderrPath":"e","temporaryDirectory":"t"}`))
			router.ServeHTTP(w, req)
			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tc.wantStatus, w.Body.String())
			}
		})
	}
}

func TestReadinessEndpoint(t *testing.T) {
	svc := &fakeService{ready: true}
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/readiness?path=cas", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.lastPath != "cas" {
		t.Errorf("path = %q, want cas", svc.lastPath)
	}
	var resp ReadinessResponse
	env := decodeEnvelope(t, w)
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Ready {
		t.Error("ready = false, want true")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
