package relay

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/raphi011/relay/internal/model"
)

// RunResult summarizes a finished run. Every upload that failed is listed
// exactly once.
type RunResult struct {
	Status            model.Status
	Run               model.RunInfo
	Tests             map[model.Status]int
	FailedUploads     []model.UploadRecord
	RejectedArtifacts []string
}

func newRunResult(run model.RunInfo, records []model.UploadRecord, rejected []string) RunResult {
	r := RunResult{
		Status:            run.Status,
		Run:               run,
		Tests:             map[model.Status]int{},
		FailedUploads:     []model.UploadRecord{},
		RejectedArtifacts: rejected,
	}

	for _, t := range run.Tests() {
		r.Tests[t.Status]++
	}

	seen := map[string]bool{}

	for _, rec := range records {
		if rec.State != model.UploadFailed || seen[rec.Key] {
			continue
		}

		seen[rec.Key] = true
		r.FailedUploads = append(r.FailedUploads, rec)
	}

	return r
}

var summaryStatuses = []model.Status{
	model.StatusPassed,
	model.StatusFailed,
	model.StatusSkipped,
	model.StatusReverted,
}

// WriteSummary renders the result as tables: tests per suite, followed by
// failed uploads and rejected artifacts if there are any.
func (r RunResult) WriteSummary(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Run %s: %s", r.Run.Name, r.Status))
	t.AppendHeader(table.Row{"SUITE", "STATUS", "PASSED", "FAILED", "SKIPPED", "REVERTED"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "PASSED", Align: text.AlignRight},
		{Name: "FAILED", Align: text.AlignRight},
		{Name: "SKIPPED", Align: text.AlignRight},
		{Name: "REVERTED", Align: text.AlignRight},
	})

	for _, s := range r.Run.Suites {
		counts := map[model.Status]int{}
		for _, test := range s.Tests {
			counts[test.Status]++
		}

		row := table.Row{s.Name, s.Status}
		for _, status := range summaryStatuses {
			row = append(row, counts[status])
		}

		t.AppendRow(row)
	}

	footer := table.Row{"TOTAL", r.Status}
	for _, status := range summaryStatuses {
		footer = append(footer, r.Tests[status])
	}
	t.AppendFooter(footer)

	switch r.Status {
	case model.StatusFailed, model.StatusAborted:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case model.StatusSkipped:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.Render()

	if len(r.FailedUploads) > 0 {
		u := table.NewWriter()
		u.SetOutputMirror(w)
		u.SetTitle("Failed uploads")
		u.AppendHeader(table.Row{"KEY", "ATTEMPTS", "ERROR"})

		for _, rec := range r.FailedUploads {
			u.AppendRow(table.Row{rec.Key, rec.Attempts, rec.LastError})
		}

		u.Render()
	}

	if len(r.RejectedArtifacts) > 0 {
		a := table.NewWriter()
		a.SetOutputMirror(w)
		a.SetTitle("Rejected artifacts")
		a.AppendHeader(table.Row{"ARTIFACT"})

		for _, name := range r.RejectedArtifacts {
			a.AppendRow(table.Row{name})
		}

		a.Render()
	}
}
