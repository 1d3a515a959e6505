// Package client talks to the reporting backend. Every mutating request
// carries the idempotency key of its unit of work in the Idempotency-Key
// header so a retried request is not applied twice.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/raphi011/relay/internal/model"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Client struct {
	http         *http.Client
	host         string
	refreshToken string
	limiter      *rate.Limiter
	auth         singleflight.Group

	mu    sync.RWMutex
	token string
}

type RequestError struct {
	StatusCode int
	Body       string
}

func (e RequestError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Temporary reports whether the request may succeed when retried.
func (e RequestError) Temporary() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

type Option func(c *Client)

// WithRateLimit limits the number of requests per second sent to the backend.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func New(host, refreshToken string, c *http.Client, opts ...Option) *Client {
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Second}
	}

	client := &Client{
		http:         c,
		host:         host,
		refreshToken: refreshToken,
		limiter:      rate.NewLimiter(rate.Inf, 0),
	}

	for _, o := range opts {
		o(client)
	}

	return client
}

// Authenticate exchanges the refresh token for an access token. Concurrent
// callers share a single exchange.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err, _ := c.auth.Do("auth", func() (any, error) {
		body, err := json.Marshal(model.AuthRefreshHTTP{RefreshToken: c.refreshToken})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/iam/v1/auth/refresh"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		var token model.AuthTokenHTTP
		if err := c.roundTrip(req, &token); err != nil {
			return nil, fmt.Errorf("authenticating: %w", err)
		}

		c.mu.Lock()
		c.token = token.AuthToken
		c.mu.Unlock()

		return nil, nil
	})

	return err
}

func (c *Client) StartTestRun(ctx context.Context, key, projectKey string, run model.StartTestRunHTTP) (string, error) {
	path := "/api/reporting/v1/test-runs?projectKey=" + url.QueryEscape(projectKey)

	return c.create(ctx, key, http.MethodPost, path, run)
}

func (c *Client) FinishTestRun(ctx context.Context, key, runID string, endedAt time.Time) error {
	return c.send(ctx, key, http.MethodPut, c.runPath(runID, ""), model.FinishTestRunHTTP{EndedAt: endedAt})
}

func (c *Client) StartTest(ctx context.Context, key, runID string, test model.StartTestHTTP) (string, error) {
	return c.create(ctx, key, http.MethodPost, c.runPath(runID, "/tests"), test)
}

func (c *Client) FinishTest(ctx context.Context, key, runID, testID string, result model.FinishTestHTTP) error {
	return c.send(ctx, key, http.MethodPut, c.runPath(runID, "/tests/"+testID), result)
}

// RevertTest removes a registered test from the run.
func (c *Client) RevertTest(ctx context.Context, key, runID, testID string) error {
	return c.send(ctx, key, http.MethodDelete, c.runPath(runID, "/tests/"+testID), nil)
}

func (c *Client) SendLogs(ctx context.Context, key, runID string, logs []model.LogRecordHTTP) error {
	return c.send(ctx, key, http.MethodPost, c.runPath(runID, "/logs"), logs)
}

func (c *Client) UploadScreenshot(ctx context.Context, key, runID, testID string, payload []byte, capturedAt time.Time) error {
	return c.do(ctx, key, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.url(c.runPath(runID, "/tests/"+testID+"/screenshots")), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "image/png")
		req.Header.Set("x-zbr-screenshot-captured-at", fmt.Sprint(capturedAt.UnixMilli()))

		return req, nil
	}, nil)
}

// UploadArtifact uploads a file to the test, or to the run if testID is empty.
func (c *Client) UploadArtifact(ctx context.Context, key, runID, testID, name string, payload []byte) error {
	return c.do(ctx, key, func() (*http.Request, error) {
		var buf bytes.Buffer

		w := multipart.NewWriter(&buf)

		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.url(c.runPath(runID, testPath(testID)+"/artifacts")), &buf)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", w.FormDataContentType())

		return req, nil
	}, nil)
}

// SendArtifactReferences attaches links to the test, or to the run if testID
// is empty.
func (c *Client) SendArtifactReferences(ctx context.Context, key, runID, testID string, refs []model.ArtifactReferenceHTTP) error {
	body := model.ItemsHTTP[model.ArtifactReferenceHTTP]{Items: refs}

	return c.send(ctx, key, http.MethodPut, c.runPath(runID, testPath(testID)+"/artifact-references"), body)
}

// SendLabels attaches labels to the test, or to the run if testID is empty.
func (c *Client) SendLabels(ctx context.Context, key, runID, testID string, labels []model.Label) error {
	body := model.ItemsHTTP[model.Label]{Items: labels}

	return c.send(ctx, key, http.MethodPut, c.runPath(runID, testPath(testID)+"/labels"), body)
}

func (c *Client) SetPlatform(ctx context.Context, key, runID string, platform model.Platform) error {
	return c.send(ctx, key, http.MethodPut, c.runPath(runID, "/platform"), platform)
}

func (c *Client) PatchBuild(ctx context.Context, key, runID, build string) error {
	body := []model.PatchOperationHTTP{{Op: "replace", Path: "/config/build", Value: build}}

	return c.send(ctx, key, http.MethodPatch, c.runPath(runID, ""), body)
}

func (c *Client) StartSession(ctx context.Context, key, runID string, session model.StartSessionHTTP) (string, error) {
	return c.create(ctx, key, http.MethodPost, c.runPath(runID, "/test-sessions"), session)
}

func (c *Client) FinishSession(ctx context.Context, key, runID, sessionID string, session model.FinishSessionHTTP) error {
	return c.send(ctx, key, http.MethodPut, c.runPath(runID, "/test-sessions/"+sessionID), session)
}

// PushTCMResults sends the results of one TCM system. The payload shape is
// defined by the system adapter.
func (c *Client) PushTCMResults(ctx context.Context, key, runID string, system model.TCMSystem, payload any) error {
	return c.send(ctx, key, http.MethodPost, c.runPath(runID, "/tcm/"+string(system)+"/results"), payload)
}

func (c *Client) url(path string) string {
	return c.host + path
}

func (c *Client) runPath(runID, suffix string) string {
	return "/api/reporting/v1/test-runs/" + runID + suffix
}

func testPath(testID string) string {
	if testID == "" {
		return ""
	}
	return "/tests/" + testID
}

func (c *Client) create(ctx context.Context, key, method, path string, body any) (string, error) {
	var created model.IDHTTP

	err := c.do(ctx, key, jsonRequest(ctx, method, c.url(path), body), &created)
	if err != nil {
		return "", err
	}

	return fmt.Sprint(created.ID), nil
}

func (c *Client) send(ctx context.Context, key, method, path string, body any) error {
	return c.do(ctx, key, jsonRequest(ctx, method, c.url(path), body), nil)
}

func jsonRequest(ctx context.Context, method, url string, body any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		var r io.Reader = http.NoBody

		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			r = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, err
		}

		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		return req, nil
	}
}

// do sends the request built by build. A rejected access token is refreshed
// once and the request is rebuilt and repeated.
func (c *Client) do(ctx context.Context, key string, build func() (*http.Request, error), out any) error {
	c.mu.RLock()
	authenticated := c.token != ""
	c.mu.RUnlock()

	if !authenticated {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return err
		}

		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}

		c.mu.RLock()
		req.Header.Set("Authorization", "Bearer "+c.token)
		c.mu.RUnlock()

		err = c.roundTrip(req, out)

		if reqErr, ok := err.(RequestError); ok && reqErr.StatusCode == http.StatusUnauthorized && attempt == 0 {
			if err := c.Authenticate(ctx); err != nil {
				return err
			}
			continue
		}

		return err
	}
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return RequestError{StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if out != nil {
		d := json.NewDecoder(res.Body)
		d.UseNumber()

		if err = d.Decode(out); err != nil {
			return err
		}
	}

	return nil
}
