package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/raphi011/relay/internal/model"
)

// ElasticSearchHook indexes finished tests and runs so results can be
// queried next to the logs of the system under test.
type ElasticSearchHook struct {
	client *elasticsearch.Client
	index  string
	log    *slog.Logger
}

func NewElasticSearchHook(addresses []string, index string, log *slog.Logger) (*ElasticSearchHook, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	if index == "" {
		index = "relay-results"
	}

	return &ElasticSearchHook{client: client, index: index, log: log}, nil
}

func (p *ElasticSearchHook) Name() string {
	return "elastic-search"
}

func (p *ElasticSearchHook) Init() error {
	return nil
}

type testDocument struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
	Suite string `json:"suite"`
	model.TestInfo
	DurationInMS int64 `json:"durationInMs"`
}

type runDocument struct {
	Type string `json:"type"`
	model.RunInfo
	DurationInMS int64 `json:"durationInMs"`
}

func (p *ElasticSearchHook) TestFinishedAsync(run model.RunInfo, suite model.SuiteInfo, test model.TestInfo) {
	doc := testDocument{
		Type:         "test",
		RunID:        run.ID,
		Suite:        suite.Name,
		TestInfo:     test,
		DurationInMS: test.End.Sub(test.Start).Milliseconds(),
	}

	p.indexDocument(test.ID, doc)
}

func (p *ElasticSearchHook) RunFinishedAsync(run model.RunInfo) {
	// suites are indexed per test
	run.Suites = nil

	doc := runDocument{
		Type:         "run",
		RunInfo:      run,
		DurationInMS: run.End.Sub(run.Start).Milliseconds(),
	}

	p.indexDocument(run.ID, doc)
}

func (p *ElasticSearchHook) indexDocument(id string, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		p.log.Warn("encoding elasticsearch document failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := p.client.Index(p.index, bytes.NewReader(body),
		p.client.Index.WithDocumentID(id),
		p.client.Index.WithContext(ctx),
	)
	if err != nil {
		p.log.Warn("indexing document failed", "index", p.index, "error", err)
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		p.log.Warn("indexing document failed", "index", p.index, "status", res.Status(), "response", string(msg))
	}
}
