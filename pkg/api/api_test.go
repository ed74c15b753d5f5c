package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os/signal"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sandboxd/pkg/api"
	"github.com/psantana5/sandboxd/pkg/auth"
	"github.com/psantana5/sandboxd/pkg/logging"
	"github.com/psantana5/sandboxd/pkg/metrics"
	"github.com/psantana5/sandboxd/pkg/privilege"
	"github.com/psantana5/sandboxd/pkg/supervisor"
	"github.com/psantana5/sandboxd/pkg/workload"
)

// newTestServer runs a real supervisor behind the API. Supervisors reap
// with wait4(-1), so tests in this package do not run in parallel.
func newTestServer(t *testing.T, mutate func(*api.Options)) (*httptest.Server, *supervisor.Supervisor) {
	t.Helper()

	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(io.Discard)

	id := privilege.Current()
	verify := privilege.Verify
	if id.UID == 0 {
		id = privilege.Identity{UID: 65534, GID: 65534, Username: "nobody"}
		verify = func(privilege.Identity) error { return nil }
	}

	rec := metrics.New()
	sv, err := supervisor.New(supervisor.Options{
		Identity:       id,
		Ceiling:        workload.Limits{MemoryMB: 512, WallTime: 30 * time.Second},
		KillGrace:      500 * time.Millisecond,
		MaxOutputBytes: 1 << 16,
		Logger:         logger,
		Metrics:        rec,
		VerifyIdentity: verify,
		StopNotify:     signal.Stop,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- sv.Run(context.Background()) }()

	opts := api.Options{
		Sandbox:    sv,
		Logger:     logger,
		Metrics:    rec,
		DrainGrace: time.Second,
		KeepAlive:  50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts := httptest.NewServer(api.New(opts).Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sv.Shutdown(ctx, 0)
		select {
		case <-runErr:
		case <-ctx.Done():
		}
	})
	return ts, sv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestInjectAndWait(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/workloads", `{"command":"echo","args":["ok"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created api.InjectResponse
	decode(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, workload.StateRunning, created.State)
	assert.Equal(t, "/v1/workloads/"+created.ID, resp.Header.Get("Location"))

	resp = get(t, ts.URL+"/v1/workloads/"+created.ID+"/wait?timeout=5s")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res workload.Result
	decode(t, resp, &res)
	assert.Equal(t, workload.StateExited, res.State)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ok\n", res.Stdout)
	// the reply carries the spawn time, not the time it was written
	assert.True(t, created.StartedAt.Equal(res.StartedAt), "inject started_at %s, result started_at %s", created.StartedAt, res.StartedAt)

	resp = get(t, ts.URL+"/v1/workloads/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/workloads/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInjectWithWaitQuery(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/workloads?wait=true", `{"command":"sh","args":["-c","echo err >&2; exit 7"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res workload.Result
	decode(t, resp, &res)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, workload.ExitReasonError, res.Reason)
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"malformed body", "POST", "/v1/workloads", `{`, http.StatusBadRequest, supervisor.CodeInvalidRequest},
		{"empty command", "POST", "/v1/workloads", `{"command":""}`, http.StatusBadRequest, supervisor.CodeInvalidRequest},
		{"negative limit", "POST", "/v1/workloads", `{"command":"true","limits":{"memory_mb":-1}}`, http.StatusBadRequest, supervisor.CodeInvalidRequest},
		{"over ceiling", "POST", "/v1/workloads", `{"command":"true","limits":{"memory_mb":4096}}`, http.StatusUnprocessableEntity, supervisor.CodeResourceLimitExceeded},
		{"over wall time", "POST", "/v1/workloads", `{"command":"true","limits":{"wall_time":"1h"}}`, http.StatusUnprocessableEntity, supervisor.CodeResourceLimitExceeded},
		{"missing binary", "POST", "/v1/workloads", `{"command":"/nonexistent/tool"}`, http.StatusInternalServerError, supervisor.CodeSpawnError},
		{"unknown workload", "GET", "/v1/workloads/nope", "", http.StatusNotFound, supervisor.CodeNotFound},
		{"cancel unknown", "POST", "/v1/workloads/nope/cancel", "", http.StatusNotFound, supervisor.CodeNotFound},
		{"bad wait timeout", "GET", "/v1/workloads/nope/wait?timeout=soon", "", http.StatusBadRequest, supervisor.CodeInvalidRequest},
		{"unknown route", "GET", "/v2/things", "", http.StatusNotFound, supervisor.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			var body api.ErrorResponse
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestListLiveWorkloads(t *testing.T) {
	ts, sv := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/workloads", `{"command":"sleep","args":["10"],"owner":"ci"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created api.InjectResponse
	decode(t, resp, &created)

	var list api.ListResponse
	decode(t, get(t, ts.URL+"/v1/workloads"), &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, created.ID, list.Workloads[0].ID)
	assert.Equal(t, "ci", list.Workloads[0].Owner)

	resp = post(t, ts.URL+"/v1/workloads/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res, err := sv.Wait(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, workload.ExitReasonCancelled, res.Reason)
}

func TestEventStream(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	require.Equal(t, ": connected", <-lines)

	created := post(t, ts.URL+"/v1/workloads", `{"command":"echo","args":["hi"]}`)
	require.Equal(t, http.StatusCreated, created.StatusCode)

	var types []string
	deadline := time.After(5 * time.Second)
	for len(types) < 2 {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.HasPrefix(line, "event: ") {
				types = append(types, strings.TrimPrefix(line, "event: "))
			}
			if strings.HasPrefix(line, "data: ") {
				var ev workload.Event
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
				assert.NotEmpty(t, ev.WorkloadID)
			}
		case <-deadline:
			t.Fatalf("saw events %v", types)
		}
	}
	assert.Equal(t, []string{"started", "exited"}, types)
}

func TestProbesAndShutdown(t *testing.T) {
	ts, sv := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/readyz").StatusCode)

	resp := post(t, ts.URL+"/v1/shutdown", `{"grace_period":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/shutdown", `{"grace_period":"1s"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ack api.ShutdownResponse
	decode(t, resp, &ack)
	assert.Equal(t, "1s", ack.GracePeriod)

	select {
	case <-sv.Monitor().Draining():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never started draining")
	}
	assert.Equal(t, http.StatusServiceUnavailable, get(t, ts.URL+"/readyz").StatusCode)

	rejected := post(t, ts.URL+"/v1/workloads", `{"command":"true"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rejected.StatusCode)
	var body api.ErrorResponse
	decode(t, rejected, &body)
	assert.Equal(t, supervisor.CodeRejectedShuttingDown, body.Code)

	select {
	case <-sv.Monitor().Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never stopped")
	}
	assert.Equal(t, http.StatusServiceUnavailable, get(t, ts.URL+"/healthz").StatusCode)
}

func TestAuthGuardsWorkloads(t *testing.T) {
	a, err := auth.New("s3cret", "")
	require.NoError(t, err)
	ts, _ := newTestServer(t, func(o *api.Options) { o.Auth = a })

	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/v1/workloads").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz").StatusCode)

	req, err := http.NewRequest("GET", ts.URL+"/v1/workloads", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := post(t, ts.URL+"/v1/workloads?wait=true", `{"command":"true"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sandboxd_workloads_injected_total{result="accepted"} 1`)
	assert.Contains(t, string(body), `sandboxd_http_requests_total{method="POST",route="/v1/workloads",status="200"} 1`)
}

func TestListenUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "sandboxd.sock")

	// a stale socket from a previous run is replaced
	stale, err := api.Listen("unix://"+path, -1, -1)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	l, err := api.Listen("unix://"+path, -1, -1)
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	})}
	go srv.Serve(l)
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	resp, err := client.Get("http://sandboxd/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong", string(body))

	got, ok := api.SocketPath("unix://" + path)
	assert.True(t, ok)
	assert.Equal(t, path, got)
}
