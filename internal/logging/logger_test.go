package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:  LevelDebug,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})

	logger.WithThread(3).WithFD(17).Info("descriptor attached")

	out := buf.String()
	for _, want := range []string{`"thread_num":3`, `"fd":17`, "descriptor attached"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLoggerKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:  LevelDebug,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})

	logger.Debug("submitted", "count", 4, "fd", 9)
	if !strings.Contains(buf.String(), `"count":4`) {
		t.Errorf("missing kv pair in %s", buf.String())
	}
}

func TestCriticalDoesNotExit(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:  LevelDebug,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})

	logger.Critical("remove_fd outside running state")
	if !strings.Contains(buf.String(), `"level":"fatal"`) {
		t.Errorf("expected fatal level record, got %s", buf.String())
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:  LevelDebug,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})

	logger.WithError(errors.New("epoll_ctl: bad fd")).Error("attach failed")
	if !strings.Contains(buf.String(), "epoll_ctl: bad fd") {
		t.Errorf("missing error field in %s", buf.String())
	}
}
