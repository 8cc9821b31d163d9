// Package audit emits the trail of privileged actions: control-plane
// changes, admin jobs and API token issuance. Each entry is one JSON line on
// the service log, tagged "type":"audit" so shippers can route it apart from
// request logs. The durable copy of control-plane actions lives in the
// admin_audit_log table; this package only covers the log side.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"formaos.app/internal/auth"
	"formaos.app/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Redacted replaces the value of any field whose key names a credential.
const Redacted = "[redacted]"

var credentialKeys = []string{"secret", "password", "access_token", "authorization", "api_key"}

// Entry is one audit line as written to the log.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	OrgID     string         `json:"org_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// NewEntry builds the entry LogEvent would write, taking the caller identity
// from the bearer claims on ctx. Credential-like fields are masked.
func NewEntry(ctx context.Context, event string, fields map[string]any) (Entry, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Entry{}, errors.New("event name is required")
	}
	e := Entry{
		Timestamp: time.Now().UTC(),
		Type:      "audit",
		Event:     event,
		RequestID: requestIDFromContext(ctx),
		Fields:    redact(fields),
	}
	if ctx != nil {
		e.UserID, _ = auth.UserIDFromContext(ctx)
		e.OrgID, _ = auth.OrgIDFromContext(ctx)
	}
	return e, nil
}

// LogEvent writes an audit entry for event to the service log.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	e, err := NewEntry(ctx, event, fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

func redact(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isCredential(k) {
			v = Redacted
		}
		out[k] = v
	}
	return out
}

func isCredential(key string) bool {
	key = strings.ToLower(key)
	for _, c := range credentialKeys {
		if strings.Contains(key, c) {
			return true
		}
	}
	return false
}
