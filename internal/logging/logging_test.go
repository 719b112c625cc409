package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFansOutToFile(t *testing.T) {
	var stderr, file bytes.Buffer
	l := New(&stderr, &file, slog.LevelInfo)
	l.Info("file completed", "path", "/d/a.jpg")
	l.Debug("hidden")

	if !strings.Contains(stderr.String(), "path=/d/a.jpg") {
		t.Errorf("stderr = %q", stderr.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(file.Bytes(), &rec); err != nil {
		t.Fatalf("file output is not one JSON record: %v (%q)", err, file.String())
	}
	if rec["msg"] != "file completed" || rec["path"] != "/d/a.jpg" {
		t.Errorf("file record = %v", rec)
	}
	if strings.Contains(stderr.String(), "hidden") {
		t.Error("debug record leaked at info level")
	}
}

func TestNewStderrOnly(t *testing.T) {
	var stderr bytes.Buffer
	New(&stderr, nil, slog.LevelDebug).Debug("x")
	if !strings.Contains(stderr.String(), "msg=x") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
