package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/raphi011/relay"
	"github.com/raphi011/relay/client"
	"github.com/raphi011/relay/internal/config"
	"github.com/raphi011/relay/internal/model"
	"github.com/stretchr/testify/require"
)

func Success(t relay.TB) {
	t.Log("Success")
}

func Fail(t relay.TB) {
	t.Error("expected 1 but got 2")
}

func Panic(t relay.TB) {
	panic("boom")
}

type request struct {
	Method string
	Path   string
	Key    string
	Body   string
}

// backend is a fake reporting backend recording every request.
type backend struct {
	*httptest.Server

	nextID atomic.Int64

	mu       sync.Mutex
	requests []request
	// fail maps path suffixes to the status code returned for them.
	fail map[string]int
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{fail: map[string]int{}}
	b.nextID.Store(1000)

	r := httprouter.New()
	r.POST("/api/iam/v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		_ = json.NewEncoder(w).Encode(model.AuthTokenHTTP{AuthToken: "token"})
	})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Handle(method, "/api/reporting/v1/*path", b.record)
	}

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Close)

	return b
}

func (b *backend) record(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	b.requests = append(b.requests, request{
		Method: r.Method,
		Path:   r.URL.Path,
		Key:    r.Header.Get(client.IdempotencyKeyHeader),
		Body:   string(body),
	})

	status := 0
	for suffix, code := range b.fail {
		if strings.HasSuffix(r.URL.Path, suffix) {
			status = code
		}
	}
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	if r.Method == http.MethodPost {
		_ = json.NewEncoder(w).Encode(model.IDHTTP{ID: b.nextID.Add(1)})
	}
}

func (b *backend) failWith(suffix string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fail[suffix] = status
}

// find returns the requests with method whose path ends with suffix.
func (b *backend) find(method, suffix string) []request {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := []request{}
	for _, r := range b.requests {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			found = append(found, r)
		}
	}

	return found
}

func (b *backend) all() []request {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]request{}, b.requests...)
}

type test struct {
	agent   *relay.Agent
	backend *backend
}

func testConfig(hostname string) config.Config {
	return config.Config{
		Enabled:    true,
		ProjectKey: "DEF",
		SendLogs:   true,
		Server:     config.Server{Hostname: hostname, AccessToken: "refresh"},
		Upload: config.Upload{
			MaxAttempts:    3,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			EagerTimeout:   2 * time.Second,
			DrainTimeout:   5 * time.Second,
			Workers:        4,
		},
	}
}

func acceptanceTest(t *testing.T, configure ...func(cfg *config.Config)) *test {
	t.Helper()

	b := newBackend(t)

	cfg := testConfig(b.URL)
	for _, c := range configure {
		c(&cfg)
	}

	a, err := relay.New(
		relay.WithConfig(cfg),
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		relay.WithEnviron([]string{}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = a.Close(ctx)
	})

	return &test{agent: a, backend: b}
}

func testByName(t *testing.T, run model.RunInfo, name string) model.TestInfo {
	t.Helper()

	for _, test := range run.Tests() {
		if test.Name == name {
			return test
		}
	}

	t.Fatalf("could not find test %s", name)

	return model.TestInfo{}
}
