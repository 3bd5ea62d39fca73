package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/parser"
	"github.com/raphaelgruber/cvat-export/internal/service"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConsoleSinkLines(t *testing.T) {
	var out, errOut bytes.Buffer
	sink := newConsoleSink(&out, &errOut)

	sink.Emit(service.Event{Kind: service.EventStart, TaskID: 5, Format: "COCO 1.0"})
	sink.Emit(service.Event{Kind: service.EventQueued, TaskID: 5, RequestID: "rq1"})
	sink.Emit(service.Event{Kind: service.EventStatus, TaskID: 5, RequestID: "rq1", Status: "queued", Progress: "None"})
	sink.Emit(service.Event{Kind: service.EventDownloading, TaskID: 5, URL: "https://h/x.zip"})
	sink.Emit(service.Event{Kind: service.EventDownloaded, TaskID: 5, Bytes: 10})
	sink.Emit(service.Event{Kind: service.EventSaved, TaskID: 5, Path: "out/task_5.zip"})
	sink.Emit(service.Event{Kind: service.EventSkipped, TaskID: 6, Path: "out/task_6.zip"})

	apiErr := &client.APIError{Op: "start export", StatusCode: 404}
	sink.Emit(service.Event{Kind: service.EventFailed, TaskID: 7, Error: apiErr.Error(), Err: apiErr})
	sink.Emit(service.Event{Kind: service.EventFailed, TaskID: 8, Error: "boom", Err: errors.New("boom")})

	assert.Equal(t, strings.Join([]string{
		"",
		"Task 5: start export (COCO 1.0)",
		"  export queued, rq_id=rq1",
		"  request rq1 status: queued (progress=None)",
		"  downloading: https://h/x.zip",
		"  saved: out/task_5.zip",
		"  skip (exists): out/task_6.zip",
		"",
	}, "\n"), out.String())

	assert.Contains(t, errOut.String(), "  API error for task 7: ")
	assert.Contains(t, errOut.String(), "  error for task 8: boom")
}

func TestProgressModelApply(t *testing.T) {
	m := newProgressModel(3, nil)

	m.apply(service.Event{Kind: service.EventStart, TaskID: 1})
	m.apply(service.Event{Kind: service.EventStatus, TaskID: 1, Status: "in_progress", Progress: "0.50"})
	assert.Equal(t, "in_progress (progress=0.50)", m.active[1].status)
	assert.Contains(t, m.renderContent(), "Task 1: in_progress")

	m.apply(service.Event{Kind: service.EventDownloaded, TaskID: 1, Bytes: 2_000_000, Total: 4_000_000})
	assert.Contains(t, m.renderContent(), "2.0/4.0 MB")

	m.apply(service.Event{Kind: service.EventSaved, TaskID: 1, Path: "task_1.zip"})
	m.apply(service.Event{Kind: service.EventStart, TaskID: 2})
	m.apply(service.Event{Kind: service.EventFailed, TaskID: 2, Stage: service.StageTrigger, Error: "404"})

	assert.Equal(t, 2, m.finished)
	assert.Empty(t, m.active)
	assert.Empty(t, m.order)
	assert.Len(t, m.logs, 2)
	assert.Contains(t, m.renderContent(), "2/3 tasks")
}

func TestProgressModelDone(t *testing.T) {
	m := newProgressModel(1, nil)
	summary := &service.Summary{
		Failed:   1,
		Outcomes: []service.Outcome{{TaskID: 9, State: service.OutcomeFailed, Stage: service.StagePoll, Error: "export failed: disk full"}},
	}

	next, cmd := m.Update(runDoneMsg{summary: summary})
	require.NotNil(t, cmd)

	final := next.(progressModel)
	assert.True(t, final.done)
	view := final.renderContent()
	assert.Contains(t, view, "Failed:  1")
	assert.Contains(t, view, "task 9 (poll): export failed: disk full")
}

// fakeCVAT serves export, request and download endpoints. Task 404 does not exist.
func fakeCVAT(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/dataset/export", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "404" {
			http.Error(w, `{"detail":"Not found."}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"rq_id":"rq-%s"}`, id)
	})
	mux.HandleFunc("GET /api/requests/{rq}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"finished","progress":1,"result_url":"/files/%s.zip"}`, r.PathValue("rq"))
	})
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "zip:"+r.PathValue("name"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// executeRoot runs the root command with args and returns its output. Flag
// values persist on the shared command tree, so they are reset afterwards.
func executeRoot(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Cleanup(func() {
		for _, fs := range []*pflag.FlagSet{rootCmd.PersistentFlags(), exportCmd.Flags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
	})

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestExportCommand(t *testing.T) {
	srv := fakeCVAT(t)
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	report := filepath.Join(dir, "report.yaml")

	stdout, stderr, err := executeRoot(t,
		"export",
		"--server", srv.URL,
		"--username", "alice",
		"--password", "secret",
		"--outdir", outDir,
		"--task-ids", "1, 404",
		"--poll-seconds", "0.01",
		"--report", report,
		"--fail-on-error",
		"--no-progress",
	)
	assert.ErrorContains(t, err, "1 of 2 tasks failed")

	data, readErr := os.ReadFile(filepath.Join(outDir, "task_1.zip"))
	require.NoError(t, readErr)
	assert.Equal(t, "zip:rq-1.zip", string(data))
	assert.NoFileExists(t, filepath.Join(outDir, "task_404.zip"))

	assert.Contains(t, stdout, "Task 1: start export (CVAT for video 1.1)")
	assert.Contains(t, stdout, "  saved: ")
	assert.Contains(t, stderr, "API error for task 404")

	raw, readErr := os.ReadFile(report)
	require.NoError(t, readErr)
	var parsed struct {
		Summary struct {
			Saved  int `yaml:"saved"`
			Failed int `yaml:"failed"`
		} `yaml:"summary"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &parsed))
	assert.Equal(t, 1, parsed.Summary.Saved)
	assert.Equal(t, 1, parsed.Summary.Failed)
}

func TestExportCommandFailedTasksExitZero(t *testing.T) {
	srv := fakeCVAT(t)
	outDir := t.TempDir()

	stdout, stderr, err := executeRoot(t,
		"export",
		"--server", srv.URL,
		"--username", "alice",
		"--password", "secret",
		"--outdir", outDir,
		"--task-ids", "1, 404",
		"--poll-seconds", "0.01",
		"--no-progress",
	)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(outDir, "task_1.zip"))
	assert.Contains(t, stdout, "  saved: ")
	assert.Contains(t, stderr, "API error for task 404")
}

func TestExportCommandBadTaskIDsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, _, err := executeRoot(t,
		"export",
		"--server", srv.URL,
		"--auth", "session",
		"--username", "alice",
		"--password", "secret",
		"--outdir", t.TempDir(),
		"--task-ids", "1,abc",
		"--no-progress",
	)

	var parseErr *parser.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "abc", parseErr.Token)
	assert.Zero(t, hits.Load())
}
