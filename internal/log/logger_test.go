// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		wantLevel string
		wantFmt   Format
		wantSrc   bool
	}{
		{name: "defaults", envVars: map[string]string{}, wantLevel: "info", wantFmt: FormatJSON},
		{name: "LOG_LEVEL", envVars: map[string]string{"LOG_LEVEL": "WARN"}, wantLevel: "warn", wantFmt: FormatJSON},
		{
			name:      "LEDGERFLOW_LOG_LEVEL wins over LOG_LEVEL",
			envVars:   map[string]string{"LOG_LEVEL": "warn", "LEDGERFLOW_LOG_LEVEL": "trace"},
			wantLevel: "trace",
			wantFmt:   FormatJSON,
		},
		{
			name:      "debug flag",
			envVars:   map[string]string{"LEDGERFLOW_DEBUG": "1", "LOG_LEVEL": "error"},
			wantLevel: "debug",
			wantFmt:   FormatJSON,
			wantSrc:   true,
		},
		{name: "text format", envVars: map[string]string{"LOG_FORMAT": "TEXT"}, wantLevel: "info", wantFmt: FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"LEDGERFLOW_DEBUG", "LEDGERFLOW_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFmt {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFmt)
			}
			if cfg.AddSource != tt.wantSrc {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.wantSrc)
			}
		})
	}
}

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	WithFlowContext(logger, "f-1", "notarise").Info("suspended", Error(errors.New("x")))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry[FlowIDKey] != "f-1" {
		t.Errorf("flow_id = %v", entry[FlowIDKey])
	}
	if entry[FlowNameKey] != "notarise" {
		t.Errorf("flow = %v", entry[FlowNameKey])
	}
	if entry["error"] != "x" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestTrace_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	Trace(logger, "envelope")
	if buf.Len() != 0 {
		t.Errorf("trace output at debug level: %q", buf.String())
	}

	logger = New(&Config{Level: "trace", Format: FormatText, Output: &buf})
	Trace(logger, "envelope", String(SessionIDKey, "s1"))
	if !strings.Contains(buf.String(), "session_id=s1") {
		t.Errorf("missing trace output: %q", buf.String())
	}
}

func TestNew_RedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})

	logger.WithGroup("redis").Info("connect", slog.String("password", "hunter2"), slog.String("addr", "db:6379"))
	Trace(logger, "peer", String("Token", "t0k"))

	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "t0k") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, `"addr":"db:6379"`) {
		t.Errorf("non-sensitive attribute lost: %s", out)
	}
	if !strings.Contains(out, `"level":"TRACE"`) {
		t.Errorf("trace level not named: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	h := HTTPMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/flows", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry["path"] != "/v1/flows" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", entry["status"])
	}
}
