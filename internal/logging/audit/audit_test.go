package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(logger)

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		result    string
		details   string
		sourceIP  string
		wantLevel string
	}{
		{
			name:      "successful auth",
			method:    "bearer",
			result:    "allowed",
			details:   "",
			sourceIP:  "172.30.0.5",
			wantLevel: "info",
		},
		{
			name:      "failed auth",
			method:    "bearer",
			result:    "denied",
			details:   "invalid token",
			sourceIP:  "172.30.0.6",
			wantLevel: "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			auditLogger.LogAuth(tt.method, tt.result, tt.details, tt.sourceIP)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			// Check standard fields
			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "auth" {
				t.Errorf("event_type = %v, want auth", got)
			}
			if got := logEntry["method"]; got != tt.method {
				t.Errorf("method = %v, want %v", got, tt.method)
			}
			if got := logEntry["result"]; got != tt.result {
				t.Errorf("result = %v, want %v", got, tt.result)
			}
			if got := logEntry["source_ip"]; got != tt.sourceIP {
				t.Errorf("source_ip = %v, want %v", got, tt.sourceIP)
			}

			// details is optional
			if tt.details != "" {
				if got := logEntry["details"]; got != tt.details {
					t.Errorf("details = %v, want %v", got, tt.details)
				}
			}
		})
	}
}

func TestLogAdmission(t *testing.T) {
	tests := []struct {
		name      string
		principal uint32
		tenant    uint32
		admitted  bool
		total     int64
		quota     int64
		sourceIP  string
		wantLevel string
		wantRes   string
		wantQuota bool
	}{
		{
			name:      "admitted under quota",
			principal: 10,
			tenant:    5,
			admitted:  true,
			total:     1024,
			quota:     4096,
			sourceIP:  "172.30.0.5",
			wantLevel: "info",
			wantRes:   "admitted",
			wantQuota: true,
		},
		{
			name:      "rejected over quota",
			principal: 10,
			tenant:    5,
			admitted:  false,
			total:     8192,
			quota:     4096,
			sourceIP:  "172.30.0.6",
			wantLevel: "warn",
			wantRes:   "rejected",
			wantQuota: true,
		},
		{
			name:      "admitted with no quota configured",
			principal: 77,
			tenant:    0,
			admitted:  true,
			total:     123456,
			quota:     -1,
			sourceIP:  "",
			wantLevel: "info",
			wantRes:   "admitted",
			wantQuota: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			auditLogger.LogAdmission(tt.principal, tt.tenant, tt.admitted, tt.total, tt.quota, tt.sourceIP)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "admission" {
				t.Errorf("event_type = %v, want admission", got)
			}
			if got := logEntry["result"]; got != tt.wantRes {
				t.Errorf("result = %v, want %v", got, tt.wantRes)
			}
			if got := logEntry["principal"]; got != float64(tt.principal) {
				t.Errorf("principal = %v, want %v", got, tt.principal)
			}
			if got := logEntry["tenant"]; got != float64(tt.tenant) {
				t.Errorf("tenant = %v, want %v", got, tt.tenant)
			}
			if got := logEntry["total_bytes"]; got != float64(tt.total) {
				t.Errorf("total_bytes = %v, want %v", got, tt.total)
			}

			// quota_bytes is omitted when no limit is configured
			if tt.wantQuota {
				if got := logEntry["quota_bytes"]; got != float64(tt.quota) {
					t.Errorf("quota_bytes = %v, want %v", got, tt.quota)
				}
			} else {
				if _, ok := logEntry["quota_bytes"]; ok {
					t.Error("quota_bytes present, want omitted")
				}
			}

			if tt.sourceIP != "" {
				if got := logEntry["source_ip"]; got != tt.sourceIP {
					t.Errorf("source_ip = %v, want %v", got, tt.sourceIP)
				}
			}
		})
	}
}

func TestLogRefresh(t *testing.T) {
	tenant := uint32(5)

	tests := []struct {
		name       string
		tenant     *uint32
		woken      int
		sourceIP   string
		wantTenant bool
	}{
		{
			name:       "single tenant",
			tenant:     &tenant,
			woken:      1,
			sourceIP:   "172.30.0.5",
			wantTenant: true,
		},
		{
			name:       "all tenants",
			tenant:     nil,
			woken:      3,
			sourceIP:   "172.30.0.5",
			wantTenant: false,
		},
		{
			name:       "no matching scheduler",
			tenant:     &tenant,
			woken:      0,
			sourceIP:   "",
			wantTenant: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			auditLogger.LogRefresh(tt.tenant, tt.woken, tt.sourceIP)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			if got := logEntry["level"]; got != "info" {
				t.Errorf("level = %v, want info", got)
			}
			if got := logEntry["event_type"]; got != "refresh" {
				t.Errorf("event_type = %v, want refresh", got)
			}
			if got := logEntry["woken"]; got != float64(tt.woken) {
				t.Errorf("woken = %v, want %v", got, tt.woken)
			}

			// tenant is omitted when every scheduler was woken
			if tt.wantTenant {
				if got := logEntry["tenant"]; got != float64(*tt.tenant) {
					t.Errorf("tenant = %v, want %v", got, *tt.tenant)
				}
			} else {
				if _, ok := logEntry["tenant"]; ok {
					t.Error("tenant present, want omitted")
				}
			}

			if tt.sourceIP != "" {
				if got := logEntry["source_ip"]; got != tt.sourceIP {
					t.Errorf("source_ip = %v, want %v", got, tt.sourceIP)
				}
			}
		})
	}
}

// nolint:revive // t required by test signature but not used
func TestNopLogger(t *testing.T) {
	// Test that calling methods on a noop logger doesn't panic
	tenant := uint32(1)
	logger := zerolog.Nop()
	auditLogger := NewLogger(logger)

	// These should all complete without panic
	auditLogger.LogAuth("bearer", "allowed", "", "127.0.0.1")
	auditLogger.LogAdmission(10, 5, true, 1024, 4096, "127.0.0.1")
	auditLogger.LogRefresh(&tenant, 1, "127.0.0.1")
}

func TestMessageContent(t *testing.T) {
	// Verify that message field contains expected strings
	tests := []struct {
		name        string
		logFunc     func(*Logger)
		wantMessage string
	}{
		{
			name: "auth message",
			logFunc: func(l *Logger) {
				l.LogAuth("bearer", "allowed", "", "127.0.0.1")
			},
			wantMessage: "Authentication event",
		},
		{
			name: "admission message",
			logFunc: func(l *Logger) {
				l.LogAdmission(10, 5, true, 1024, 4096, "127.0.0.1")
			},
			wantMessage: "Admission decision",
		},
		{
			name: "refresh message",
			logFunc: func(l *Logger) {
				l.LogRefresh(nil, 2, "127.0.0.1")
			},
			wantMessage: "Refresh requested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			tt.logFunc(auditLogger)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			message, ok := logEntry["message"].(string)
			if !ok {
				t.Fatal("message field not found or not a string")
			}

			if !strings.Contains(message, tt.wantMessage) {
				t.Errorf("message = %q, want to contain %q", message, tt.wantMessage)
			}
		})
	}
}
