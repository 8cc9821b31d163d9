package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"formaos.app/internal/auth"
	"formaos.app/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, "user-42", "org-7", []string{"admin"})

	if err := LogEvent(ctx, "control_plane.flag_updated", map[string]any{"flag_key": "new_dashboard"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "control_plane.flag_updated" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	if entry["org_id"] != "org-7" {
		t.Fatalf("unexpected org id: %v", entry["org_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["flag_key"] != "new_dashboard" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestNewEntryMasksCredentials(t *testing.T) {
	entry, err := NewEntry(context.Background(), "control_plane.action", map[string]any{
		"setting_key":    "smtp",
		"client_secret":  "s3cret",
		"Authorization":  "Bearer abc",
		"access_token":   "eyJ...",
		"target_id":      "job-1",
		"token_lifetime": "1h",
	})
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	for _, k := range []string{"client_secret", "Authorization", "access_token"} {
		if entry.Fields[k] != Redacted {
			t.Fatalf("%s not masked: %v", k, entry.Fields[k])
		}
	}
	for k, want := range map[string]any{"setting_key": "smtp", "target_id": "job-1", "token_lifetime": "1h"} {
		if entry.Fields[k] != want {
			t.Fatalf("%s = %v, want %v", k, entry.Fields[k], want)
		}
	}
}

func TestNewEntryWithoutCaller(t *testing.T) {
	entry, err := NewEntry(context.Background(), " admin_job.queued ", nil)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if entry.Event != "admin_job.queued" || entry.UserID != "" || entry.OrgID != "" || entry.RequestID != "" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Fields == nil {
		t.Fatal("fields should never be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["user_id"]; ok {
		t.Fatalf("empty user id should be omitted: %s", data)
	}
}
