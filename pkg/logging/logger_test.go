// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		want  Level
		valid bool
	}{
		{"debug", LevelDebug, true},
		{" INFO ", LevelInfo, true},
		{"", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"Error", LevelError, true},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.valid {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_NonTerminalWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "journal", Stderr: &buf})
	logger.Slog().Info("session created", "session_id", "s1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("stderr output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "session created" {
		t.Errorf("msg = %v, want %q", record["msg"], "session created")
	}
	if record["service"] != "journal" {
		t.Errorf("service = %v, want %q", record["service"], "journal")
	}
	if record["session_id"] != "s1" {
		t.Errorf("session_id = %v, want %q", record["session_id"], "s1")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Stderr: &buf})
	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestNew_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Stderr: &buf})
	logger.Slog().Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "journal", Stderr: &buf})
	logger.Slog().Debug("swept", "removed", 2)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := filepath.Join(dir, "journal_"+time.Now().Format("2006-01-02")+".log")
	if logger.FilePath() != want {
		t.Errorf("FilePath() = %q, want %q", logger.FilePath(), want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"swept"`) {
		t.Errorf("log file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "swept") {
		t.Errorf("stderr missing record: %q", buf.String())
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(file, "logs"), Stderr: &buf})
	defer logger.Close()

	if logger.FilePath() != "" {
		t.Errorf("FilePath() = %q, want empty", logger.FilePath())
	}
	if !strings.Contains(buf.String(), "file output disabled") {
		t.Errorf("expected a notice on stderr, got %q", buf.String())
	}
	logger.Slog().Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Errorf("stderr logging broken after file failure")
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{Stderr: &lockedWriter{mu: &mu, w: &buf}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Slog().Info("tick", "n", n)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Count(buf.String(), "\n"); got != 20 {
		t.Errorf("wrote %d lines, want 20", got)
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// =============================================================================
// Multi-handler Tests
// =============================================================================

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("Enabled(debug) = false, want true")
	}

	logger := slog.New(h).With("service", "journal").WithGroup("req")
	logger.Info("info only", "id", 1)
	logger.Error("both", "id", 2)

	if strings.Count(debugBuf.String(), "\n") != 2 {
		t.Errorf("debug handler got %q", debugBuf.String())
	}
	if strings.Count(errorBuf.String(), "\n") != 1 || !strings.Contains(errorBuf.String(), `"req":{"id":2}`) {
		t.Errorf("error handler got %q", errorBuf.String())
	}
	if !strings.Contains(errorBuf.String(), `"service":"journal"`) {
		t.Errorf("attrs not propagated: %q", errorBuf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
