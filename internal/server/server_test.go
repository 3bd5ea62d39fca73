package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/cvat-export/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlatform finishes every export at once. Export requests block while
// hold is non-nil and open.
func fakePlatform(t *testing.T, hold chan struct{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/dataset/export", func(w http.ResponseWriter, r *http.Request) {
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"rq_id":"rq-%s"}`, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/requests/{rq}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"finished","result_url":"/files/%s"}`, r.PathValue("rq"))
	})
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "zip:"+r.PathValue("name"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(nil, WithStatic(fstest.MapFS{
		"index.html": {Data: []byte("<html>cvat-export</html>")},
	}))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postRun(t *testing.T, url string, req RunRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getRun(t *testing.T, url, id string) (int, *service.Run) {
	t.Helper()
	resp, err := http.Get(url + "/api/runs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	run := &service.Run{}
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(run))
	}
	return resp.StatusCode, run
}

func waitRun(t *testing.T, url, id string, want service.RunStatus) *service.Run {
	t.Helper()
	var run *service.Run
	require.Eventually(t, func() bool {
		_, run = getRun(t, url, id)
		return run.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestStartRun(t *testing.T) {
	platform := fakePlatform(t, nil)
	_, ts := newTestServer(t)
	outDir := filepath.Join(t.TempDir(), "out")

	resp := postRun(t, ts.URL, RunRequest{
		Server:   platform.URL,
		Username: "alice",
		Password: "secret",
		OutDir:   outDir,
		TaskIDs:  "11\n12",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, 2, accepted.Total)

	run := waitRun(t, ts.URL, accepted.ID, service.RunStatusCompleted)
	assert.Equal(t, 2, run.Done)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 2, run.Summary.Saved)

	data, err := os.ReadFile(filepath.Join(outDir, "task_11.zip"))
	require.NoError(t, err)
	assert.Equal(t, "zip:rq-11", string(data))
}

func TestStartRunBadRequest(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		req  RunRequest
		want string
	}{
		{"bad task id", RunRequest{Server: "http://x", Username: "u", OutDir: "/tmp", TaskIDs: "1, abc"}, "invalid task id"},
		{"no task ids", RunRequest{Server: "http://x", Username: "u", OutDir: "/tmp", TaskIDs: " , "}, "no task ids"},
		{"missing fields", RunRequest{TaskIDs: "1"}, "server, username, outdir"},
		{"bad server scheme", RunRequest{Server: "ftp://cvat.local", Username: "u", OutDir: "/tmp", TaskIDs: "1"}, "http(s) URL"},
		{"server without scheme", RunRequest{Server: "cvat.local", Username: "u", OutDir: "/tmp", TaskIDs: "1"}, "http(s) URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts.URL, tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.want)
		})
	}
}

func TestStartRunConflictAndCancel(t *testing.T) {
	hold := make(chan struct{})
	platform := fakePlatform(t, hold)
	_, ts := newTestServer(t)

	req := RunRequest{Server: platform.URL, Username: "alice", OutDir: t.TempDir(), TaskIDs: "1"}
	resp := postRun(t, ts.URL, req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	assert.Equal(t, http.StatusConflict, postRun(t, ts.URL, req).StatusCode)

	del, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/runs/"+accepted.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, delResp.StatusCode)

	waitRun(t, ts.URL, accepted.ID, service.RunStatusCancelled)

	delResp, err = http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)
}

func TestRunRoutesRejectForeignRequests(t *testing.T) {
	s, ts := newTestServer(t)
	body := `{"server":"http://127.0.0.1:1","username":"u","outdir":"/tmp","task_ids":"1"}`

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		origin      string
		want        int
	}{
		{"text/plain post", http.MethodPost, "/api/runs", "text/plain", "", http.StatusUnsupportedMediaType},
		{"form post", http.MethodPost, "/api/runs", "application/x-www-form-urlencoded", "", http.StatusUnsupportedMediaType},
		{"missing content type", http.MethodPost, "/api/runs", "", "", http.StatusUnsupportedMediaType},
		{"cross-origin text/plain post", http.MethodPost, "/api/runs", "text/plain", "http://evil.example", http.StatusForbidden},
		{"cross-origin json post", http.MethodPost, "/api/runs", "application/json", "http://evil.example", http.StatusForbidden},
		{"cross-origin cancel", http.MethodDelete, "/api/runs/abc", "", "http://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(body))
			require.NoError(t, err)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Empty(t, s.Runs().List())
}

func TestRunRoutesAcceptSameOrigin(t *testing.T) {
	platform := fakePlatform(t, nil)
	_, ts := newTestServer(t)

	body, err := json.Marshal(RunRequest{Server: platform.URL, Username: "alice", OutDir: t.TempDir(), TaskIDs: "3"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/runs", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Origin", ts.URL)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	waitRun(t, ts.URL, accepted.ID, service.RunStatusCompleted)
}

func TestGetRunNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	code, _ := getRun(t, ts.URL, "missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthStatsAndIndex(t *testing.T) {
	_, ts := newTestServer(t)

	for path, want := range map[string]string{
		"/health":    "ok",
		"/api/stats": `"connections":0`,
		"/":          "cvat-export",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), want, path)
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	platform := fakePlatform(t, nil)
	s, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	resp := postRun(t, ts.URL, RunRequest{Server: platform.URL, Username: "alice", OutDir: t.TempDir(), TaskIDs: "7"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var kinds []service.EventKind
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotNil(t, msg.Event)
		if msg.Event.Kind == service.EventDownloaded {
			continue
		}
		kinds = append(kinds, msg.Event.Kind)
		if msg.Event.Kind == service.EventSummary {
			break
		}
	}

	assert.Equal(t, []service.EventKind{
		service.EventStart, service.EventQueued, service.EventStatus,
		service.EventDownloading, service.EventSaved, service.EventSummary,
	}, kinds)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
