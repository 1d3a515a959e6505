package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/raphi011/relay"
	"github.com/stretchr/testify/assert"
)

func main() {
	ctx := context.Background()

	agent, err := relay.New()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(-1)
	}

	defer agent.Close(ctx)

	if err := agent.Start(ctx, "my-app"); err != nil {
		slog.Error(err.Error())
		os.Exit(-1)
	}

	if err := agent.EnableRealTimeSync(ctx, relay.Xray); err != nil {
		slog.Warn(err.Error())
	}

	for _, suite := range []relay.TestSuite{
		{
			Name:     "my-app",
			Parallel: 2,
			Tests: []relay.TestCase{
				{Name: "sleep", Func: Sleep},
				{Name: "success", Func: Success, Tags: []string{"maintainer:jane", "area:login"}},
				{Name: "panic", Func: Panic},
				{Name: "skip", Func: Skip},
				{Name: "skip-by-tag", Func: Success, Tags: []string{"robot:skip"}},
				{Name: "fatal", Func: Fatal},
				{Name: "testify", Func: Testify},
				{Name: "artifacts", Func: Artifacts},
			},
		},
	} {
		if _, err := agent.RunSuite(ctx, suite); err != nil {
			slog.Error(err.Error())
		}
	}

	result, err := agent.FinishRun(ctx)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(-1)
	}

	result.WriteSummary(os.Stdout)
}

func Sleep(t relay.TB) {
	time.Sleep(1 * time.Second)
}

func Success(t relay.TB) {
	t.Log("Executed TestAcceptance")

	if err := t.BindCase(relay.Xray, "APP-1"); err != nil {
		t.Log(err)
	}
}

func Fatal(t relay.TB) {
	t.Fatal("fatal error")
}

func Panic(t relay.TB) {
	panic("panic!")
}

func Skip(t relay.TB) {
	t.Skip("skipping test")
}

func Testify(t relay.TB) {
	assert.Equal(t, 1, 2)
}

func Artifacts(t relay.TB) {
	if err := t.AttachArtifact("report.json", []byte(`{"ok":true}`)); err != nil {
		t.Error(err)
	}

	if err := t.AttachArtifactRef("dashboard", "https://grafana.example.com/d/app"); err != nil {
		t.Error(err)
	}

	if err := t.AttachLabel("priority", "high"); err != nil {
		t.Error(err)
	}
}
