package syncpolicy

import (
	"sync"

	"github.com/raphi011/relay/internal/model"
)

// Batch collects TCM results of systems synchronized at the end of the run.
type Batch struct {
	mu      sync.Mutex
	results map[model.TCMSystem][]model.TCMResult
	flushed bool
}

func NewBatch() *Batch {
	return &Batch{results: map[model.TCMSystem][]model.TCMResult{}}
}

// Add queues results. It returns false once the batch was flushed.
func (b *Batch) Add(results ...model.TCMResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushed {
		return false
	}

	for _, r := range results {
		b.results[r.System] = append(b.results[r.System], r)
	}

	return true
}

// Drop removes all queued results of a test.
func (b *Batch) Drop(testID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for system, results := range b.results {
		kept := results[:0]
		for _, r := range results {
			if r.TestID != testID {
				kept = append(kept, r)
			}
		}
		b.results[system] = kept
	}
}

// Flush returns the queued results per system in system order and closes
// the batch.
func (b *Batch) Flush() []SystemResults {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushed = true

	batches := []SystemResults{}

	for _, system := range model.TCMSystems {
		if len(b.results[system]) == 0 {
			continue
		}

		batches = append(batches, SystemResults{System: system, Results: b.results[system]})
	}

	b.results = map[model.TCMSystem][]model.TCMResult{}

	return batches
}

type SystemResults struct {
	System  model.TCMSystem
	Results []model.TCMResult
}
