package hook_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphi011/relay/internal/hook"
	"github.com/raphi011/relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexed struct {
	path string
	doc  map[string]any
}

func fakeElastic(t *testing.T) (*httptest.Server, chan indexed) {
	t.Helper()

	docs := make(chan indexed, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		var doc map[string]any
		_ = json.NewDecoder(r.Body).Decode(&doc)

		docs <- indexed{path: r.URL.Path, doc: doc}

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	return srv, docs
}

func TestIndexFinishedTest(t *testing.T) {
	srv, docs := fakeElastic(t)

	h, err := hook.NewElasticSearchHook([]string{srv.URL}, "results", slog.Default())
	require.NoError(t, err)

	start := time.Now()

	h.TestFinishedAsync(
		model.RunInfo{ID: "run-1"},
		model.SuiteInfo{Name: "checkout"},
		model.TestInfo{ID: "test-1", Name: "pays", Status: model.StatusPassed, Start: start, End: start.Add(time.Second)},
	)

	d := <-docs
	assert.Equal(t, "/results/_doc/test-1", d.path)
	assert.Equal(t, "test", d.doc["type"])
	assert.Equal(t, "checkout", d.doc["suite"])
	assert.Equal(t, "PASSED", d.doc["status"])
	assert.Equal(t, float64(1000), d.doc["durationInMs"])
}

func TestIndexFinishedRun(t *testing.T) {
	srv, docs := fakeElastic(t)

	h, err := hook.NewElasticSearchHook([]string{srv.URL}, "", slog.Default())
	require.NoError(t, err)

	h.RunFinishedAsync(model.RunInfo{ID: "run-1", Name: "nightly", Status: model.StatusFailed})

	d := <-docs
	assert.Equal(t, "/relay-results/_doc/run-1", d.path)
	assert.Equal(t, "nightly", d.doc["name"])
	assert.Nil(t, d.doc["suites"])
}
