package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akamine-lab/calc-pi-dist/internal/events"
	"github.com/akamine-lab/calc-pi-dist/internal/jobmanager"
	"github.com/akamine-lab/calc-pi-dist/pkg/types"
)

type httpFixture struct {
	srv *httptest.Server
	q   *jobmanager.JobManager
	hub *events.Hub
}

func newHTTPFixture(t *testing.T, rootPath string) *httpFixture {
	t.Helper()
	hub := events.NewHub(0, 0, nil)
	q, _ := newTestQueue(t, jobmanager.WithEmitter(hub))
	srv := httptest.NewServer(HTTPHandler(q, hub, rootPath, nil))
	t.Cleanup(srv.Close)
	return &httpFixture{srv: srv, q: q, hub: hub}
}

func (f *httpFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHTTPLifecycle(t *testing.T) {
	f := newHTTPFixture(t, "")

	resp := f.do(t, http.MethodGet, "/job", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/enqueue", `{"type":"bbp_hex","start":0,"count":8}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	id := resp.Header.Get("X-Job-Id")
	require.NotEmpty(t, id)

	resp = f.do(t, http.MethodGet, "/job", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job types.LeasedJob
	decodeBody(t, resp, &job)
	assert.Equal(t, types.JobID(id), job.ID)
	assert.Equal(t, 10, job.LeaseSeconds)
	assert.Equal(t, "bbp_hex", job.Payload["type"])

	resp = f.do(t, http.MethodPost, "/result", `{"job_id":"`+id+`","result":{"hex":"243F6A88"}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// 重複回報仍為 204
	resp = f.do(t, http.MethodPost, "/result", `{"job_id":"`+id+`","result":{"hex":"other"}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/result/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	decodeBody(t, resp, &result)
	assert.Equal(t, map[string]interface{}{"hex": "243F6A88"}, result)

	resp = f.do(t, http.MethodGet, "/queue/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		QueueLength   int64 `json:"queue_length"`
		InflightCount int64 `json:"inflight_count"`
		RecentResults []struct {
			JobID  string                 `json:"job_id"`
			Result map[string]interface{} `json:"result"`
		} `json:"recent_results"`
	}
	decodeBody(t, resp, &status)
	assert.Zero(t, status.QueueLength)
	assert.Zero(t, status.InflightCount)
	require.Len(t, status.RecentResults, 1)
	assert.Equal(t, id, status.RecentResults[0].JobID)
	assert.Equal(t, "243F6A88", status.RecentResults[0].Result["hex"])
}

func TestHTTPFail(t *testing.T) {
	f := newHTTPFixture(t, "")

	resp := f.do(t, http.MethodPost, "/enqueue", `{"type":"nope"}`)
	id := resp.Header.Get("X-Job-Id")
	f.do(t, http.MethodGet, "/job", "")

	resp = f.do(t, http.MethodPost, "/fail", `{"job_id":"`+id+`","error":"unknown job type"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/result/"+id, "")
	var result map[string]interface{}
	decodeBody(t, resp, &result)
	assert.Equal(t, "unknown job type", result["error"])
}

func TestHTTPSeedJobsAndClear(t *testing.T) {
	f := newHTTPFixture(t, "")

	resp := f.do(t, http.MethodPost, "/seed", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/seed?n=2", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	f.do(t, http.MethodGet, "/job", "")

	resp = f.do(t, http.MethodGet, "/queue/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing types.JobListing
	decodeBody(t, resp, &listing)
	assert.Len(t, listing.Queued, 6)
	require.Len(t, listing.Inflight, 1)
	assert.Equal(t, "dummy", listing.Inflight[0].Payload["type"])

	resp = f.do(t, http.MethodPost, "/queue/clear", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/queue/jobs", "")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue_jobs":[],"inflight_jobs":[]}`, string(body))
}

func TestHTTPErrors(t *testing.T) {
	f := newHTTPFixture(t, "")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"missing result", http.MethodGet, "/result/nope", "", http.StatusNotFound},
		{"enqueue not an object", http.MethodPost, "/enqueue", `[1,2]`, http.StatusBadRequest},
		{"enqueue bad json", http.MethodPost, "/enqueue", `{`, http.StatusBadRequest},
		{"seed negative", http.MethodPost, "/seed?n=-1", "", http.StatusBadRequest},
		{"seed not a number", http.MethodPost, "/seed?n=x", "", http.StatusBadRequest},
		{"result without id", http.MethodPost, "/result", `{"result":{}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, resp.StatusCode)
			var body map[string]string
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestHTTPPingAndHealth(t *testing.T) {
	hub := events.NewHub(0, 0, nil)
	q, st := newTestQueue(t)
	srv := httptest.NewServer(HTTPHandler(q, hub, "", nil))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])

	require.NoError(t, st.Close())
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/queue/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPRootPath(t *testing.T) {
	f := newHTTPFixture(t, "/pi/")

	resp := f.do(t, http.MethodGet, "/pi/ping", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPEventsStream(t *testing.T) {
	f := newHTTPFixture(t, "")
	ctx := context.Background()

	// 歷史中先放一筆結果
	id, err := f.q.Enqueue(ctx, types.Payload{"type": "dummy"})
	require.NoError(t, err)
	_, err = f.q.LeaseNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.q.Complete(ctx, id, types.Payload{"ok": true}))

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() map[string]interface{} {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var m map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
				return m
			}
		}
	}

	assert.Equal(t, "queue_changed", next()["type"])
	assert.Equal(t, "job_update", next()["type"])
	replayed := next()
	assert.Equal(t, "result_posted", replayed["type"])
	assert.Equal(t, string(id), replayed["job_id"])

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	_, err = f.q.Enqueue(ctx, types.Payload{"type": "dummy"})
	require.NoError(t, err)

	live := next()
	assert.Equal(t, "queue_changed", live["type"])
	assert.Equal(t, float64(1), live["queue_length"])
	assert.Equal(t, "job_update", next()["type"])

	cancel()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
