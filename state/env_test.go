package state

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"pagepack/config"
	"pagepack/internal/capture"
)

func TestContextWithEnv(t *testing.T) {
	env := EnvFromContext(ContextWithEnv(context.Background()))
	if env == nil {
		t.Fatal("EnvFromContext() returned nil")
	}
	if env.start.IsZero() {
		t.Error("Environment start time not set")
	}
}

func TestEnvFromContextPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when env not in context")
		}
	}()
	EnvFromContext(context.Background())
}

func TestLocalEnv_Uptime(t *testing.T) {
	env := EnvFromContext(ContextWithEnv(context.Background()))
	time.Sleep(10 * time.Millisecond)
	if up := env.Uptime(); up < 10*time.Millisecond {
		t.Errorf("Uptime() = %v, expected at least 10ms", up)
	}
}

func TestLocalEnv_RedirectStdLog(t *testing.T) {
	env := &LocalEnv{
		Log: zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller(), zap.AddCallerSkip(1))),
	}
	env.RedirectStdLog()
	if env.restoreStdLog == nil {
		t.Fatal("Expected restoreStdLog to be set")
	}
	env.RestoreStdLog()
	if env.restoreStdLog != nil {
		t.Error("restoreStdLog should be cleared")
	}

	// without logger nothing happens
	(&LocalEnv{}).RedirectStdLog()
}

func TestLocalEnv_Builders(t *testing.T) {
	cfg, err := config.LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	env := &LocalEnv{Cfg: cfg, Log: zaptest.NewLogger(t)}

	f := env.NewFetcher(nil)
	if f == nil {
		t.Fatal("NewFetcher() returned nil")
	}
	if _, err := env.NewPipeline(f); err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	namer, err := env.NewNamer()
	if err != nil {
		t.Fatalf("NewNamer() error = %v", err)
	}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if name, _ := namer.Name("Hello", "https://a.test/", at); name != "hello_2024-01-02.html" {
		t.Errorf("Name() = %q", name)
	}

	cfg.Stylesheet.Rewriter = "unknown"
	if _, err := env.NewPipeline(f); err == nil {
		t.Error("expected error for unknown rewriter")
	}
}

func TestLocalEnv_SourceAndServer(t *testing.T) {
	cfg, err := config.LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	env := &LocalEnv{Cfg: cfg, Log: zaptest.NewLogger(t)}

	src, release, err := env.NewSource(env.NewFetcher(nil))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	release()
	if _, ok := src.(capture.HTTPSource); !ok {
		t.Errorf("NewSource() = %T, want capture.HTTPSource", src)
	}

	sc, err := env.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if sc.ReleaseAfter != 10*time.Second || sc.MaxInFlight != 1 || sc.Mode != capture.ModeHTTP {
		t.Errorf("ServerConfig() = %+v", sc)
	}

	cfg.Capture.Mode = "telepathy"
	if _, _, err := env.NewSource(nil); err == nil {
		t.Error("expected error for unknown capture mode")
	}
}
