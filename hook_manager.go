package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphi011/relay/internal/model"
)

type TestFinishedListener interface {
	Hook
	TestFinished(run model.RunInfo, suite model.SuiteInfo, test model.TestInfo)
}

type AsyncTestFinishedListener interface {
	Hook
	TestFinishedAsync(run model.RunInfo, suite model.SuiteInfo, test model.TestInfo)
}

type RunFinishedListener interface {
	Hook
	RunFinished(run model.RunInfo)
}

type AsyncRunFinishedListener interface {
	Hook
	RunFinishedAsync(run model.RunInfo)
}

type Hook interface {
	Name() string
	Init() error
}

type hookManager struct {
	all               []Hook
	testFinished      []TestFinishedListener
	testFinishedAsync []AsyncTestFinishedListener
	runFinished       []RunFinishedListener
	runFinishedAsync  []AsyncRunFinishedListener

	asyncHooksRunning sync.WaitGroup

	log *slog.Logger
}

func newHookManager(log *slog.Logger) *hookManager {
	return &hookManager{
		all:               []Hook{},
		testFinished:      []TestFinishedListener{},
		testFinishedAsync: []AsyncTestFinishedListener{},
		runFinished:       []RunFinishedListener{},
		runFinishedAsync:  []AsyncRunFinishedListener{},
		log:               log,
	}
}

func (s *hookManager) init() error {
	for _, p := range s.all {
		if err := p.Init(); err != nil {
			return fmt.Errorf("initiating hook %q: %w", p.Name(), err)
		}

		registeredHook := false

		if l, ok := p.(TestFinishedListener); ok {
			s.testFinished = append(s.testFinished, l)
			registeredHook = true
		}
		if l, ok := p.(AsyncTestFinishedListener); ok {
			s.testFinishedAsync = append(s.testFinishedAsync, l)
			registeredHook = true
		}
		if l, ok := p.(RunFinishedListener); ok {
			s.runFinished = append(s.runFinished, l)
			registeredHook = true
		}
		if l, ok := p.(AsyncRunFinishedListener); ok {
			s.runFinishedAsync = append(s.runFinishedAsync, l)
			registeredHook = true
		}

		if !registeredHook {
			return fmt.Errorf("hook %q does not implement any listener", p.Name())
		}
	}

	return nil
}

// shutdown returns a context that is cancelled once all async hooks returned.
func (s *hookManager) shutdown() context.Context {
	cancelCtx, cancel := context.WithCancel(context.Background())

	go func() {
		s.asyncHooksRunning.Wait()
		cancel()
	}()

	return cancelCtx
}

func (s *hookManager) wantsTestFinished() bool {
	return len(s.testFinished) > 0 || len(s.testFinishedAsync) > 0
}

func (s *hookManager) notifyTestFinished(run model.RunInfo, suite model.SuiteInfo, test model.TestInfo) {
	for _, p := range s.testFinished {
		p.TestFinished(run, suite, test)
	}

	for _, p := range s.testFinishedAsync {
		hook := p
		s.async(hook, func() { hook.TestFinishedAsync(run, suite, test) })
	}
}

func (s *hookManager) notifyRunFinished(run model.RunInfo) {
	for _, p := range s.runFinished {
		p.RunFinished(run)
	}
}

func (s *hookManager) notifyRunFinishedAsync(run model.RunInfo) {
	for _, p := range s.runFinishedAsync {
		hook := p
		s.async(hook, func() { hook.RunFinishedAsync(run) })
	}
}

func (s *hookManager) async(hook Hook, f func()) {
	s.asyncHooksRunning.Add(1)

	go func() {
		defer s.asyncHooksRunning.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("hook panicked", "hook", hook.Name(), "error", r)
			}
		}()

		f()
	}()
}
