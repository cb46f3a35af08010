package lifecycle

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

func newTestManager() *LifecycleManager {
	return NewLifecycleManager(kratoslog.NewStdLogger(io.Discard))
}

func recordHook(name string, priority int, calls *[]string) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		OnStart: func(context.Context) error {
			*calls = append(*calls, "start:"+name)
			return nil
		},
		OnStop: func(context.Context) error {
			*calls = append(*calls, "stop:"+name)
			return nil
		},
	}
}

func TestStartStopOrder(t *testing.T) {
	var calls []string
	lm := newTestManager()
	lm.AddHook(recordHook("servers", 200, &calls))
	lm.AddHook(recordHook("db", 0, &calls))
	lm.AddHook(recordHook("core", 100, &calls))

	if err := lm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := lm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"start:db", "start:core", "start:servers",
		"stop:servers", "stop:core", "stop:db",
	}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if lm.IsRunning() {
		t.Error("manager should be stopped")
	}
	if lm.Context().Err() == nil {
		t.Error("context should be cancelled")
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	var calls []string
	lm := newTestManager()
	lm.AddHook(recordHook("db", 0, &calls))
	lm.AddHook(Hook{
		Name:     "broken",
		Priority: 100,
		OnStart:  func(context.Context) error { return errors.New("boom") },
		OnStop: func(context.Context) error {
			calls = append(calls, "stop:broken")
			return nil
		},
	})
	lm.AddHook(recordHook("servers", 200, &calls))

	if err := lm.Start(); err == nil {
		t.Fatal("expected start error")
	}
	want := []string{"start:db", "stop:db"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestStopOnce(t *testing.T) {
	var calls []string
	lm := newTestManager()
	lm.AddHook(recordHook("db", 0, &calls))
	_ = lm.Start()
	_ = lm.Stop()
	_ = lm.Stop()
	if len(calls) != 2 {
		t.Errorf("calls = %v", calls)
	}
}

func TestWaitOnFatalError(t *testing.T) {
	var calls []string
	lm := newTestManager()
	lm.AddHook(recordHook("db", 0, &calls))
	_ = lm.Start()

	fatal := make(chan error, 1)
	fatal <- errors.New("listener closed")
	if err := lm.Wait(fatal); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if lm.IsRunning() {
		t.Error("manager should be stopped after fatal error")
	}
}

func TestStopJoinsErrors(t *testing.T) {
	lm := newTestManager()
	failing := func(name string, priority int) Hook {
		return Hook{
			Name:     name,
			Priority: priority,
			OnStop:   func(context.Context) error { return errors.New(name + " stuck") },
		}
	}
	lm.AddHook(failing("redis", 0))
	lm.AddHook(failing("consumer", 300))

	if lm.IsRunning() {
		t.Fatal("manager should not run before Start")
	}
	if err := lm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := lm.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}

	err := lm.Stop()
	if err == nil {
		t.Fatal("expected stop error")
	}
	for _, want := range []string{"stop redis", "stop consumer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	// 重复调用返回同一结果
	if again := lm.Stop(); again == nil || again.Error() != err.Error() {
		t.Errorf("second Stop = %v", again)
	}
}
