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

// Package audit provides an append-only audit trail of Secret decrypts, so
// the non-leakage property (secret plaintext never reaches an Execution
// Record or log line) is independently verifiable from the execution-record
// path: every decrypt is its own entry, never the plaintext.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of an audited secret access.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// Entry is a single audit log entry for one secret decrypt.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	TenantID   uuid.UUID `json:"tenant_id"`
	SecretName string    `json:"secret_name"`
	CallbackID string    `json:"callback_id"`
	Result     Result    `json:"result"`
	Error      string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only writer.
type Logger struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewLogger wraps an arbitrary writer (a file, a log aggregator pipe).
func NewLogger(writer io.Writer) *Logger {
	return &Logger{writer: writer}
}

// NewStdoutLogger is the default used when no audit destination is configured.
func NewStdoutLogger() *Logger {
	return &Logger{writer: os.Stdout}
}

// Log appends one entry as a line of JSON.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// LogSecretAccess records one Secret decrypt. Only the secret's name is
// recorded, never its plaintext value.
func (l *Logger) LogSecretAccess(tenantID uuid.UUID, secretName, callbackID string, err error) {
	entry := Entry{
		TenantID:   tenantID,
		SecretName: secretName,
		CallbackID: callbackID,
		Result:     ResultSuccess,
	}
	if err != nil {
		entry.Result = ResultError
		entry.Error = err.Error()
	}
	// Best-effort: an audit-log write failure must never fail the action
	// invocation it is observing.
	_ = l.Log(entry)
}

// Close closes the underlying writer if it supports it.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
