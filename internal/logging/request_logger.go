package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestLogger dumps outbound request bodies and upstream response chunks
// as JSON files, one file per request. It is disabled unless the host opts
// in via ENABLE_PLUGIN_REQUEST_LOGGING=1.
type RequestLogger struct {
	dir     string
	enabled bool

	mu    sync.Mutex
	files map[string]*os.File
}

type requestDump struct {
	Timestamp string          `json:"timestamp"`
	URL       string          `json:"url"`
	Account   string          `json:"account,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// NewRequestLogger builds a request logger rooted at dir. When enabled is
// false every method is a no-op.
func NewRequestLogger(dir string, enabled bool) *RequestLogger {
	return &RequestLogger{
		dir:     dir,
		enabled: enabled,
		files:   make(map[string]*os.File),
	}
}

// Enabled reports whether request dumps are being written.
func (l *RequestLogger) Enabled() bool { return l != nil && l.enabled }

// BeginRequest writes the rewritten outbound body and returns an opaque id
// used to append response chunks. Failures are logged and swallowed; request
// logging must never affect the request path.
func (l *RequestLogger) BeginRequest(url, account string, body []byte) string {
	if !l.Enabled() {
		return ""
	}
	id := uuid.NewString()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		log.Warnf("request logger: create dir failed: %v", err)
		return ""
	}
	dump := requestDump{
		Timestamp: time.Now().Format(time.RFC3339),
		URL:       url,
		Account:   account,
		Body:      json.RawMessage(body),
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		data = body
	}
	path := filepath.Join(l.dir, id+".json")
	f, err := os.Create(path)
	if err != nil {
		log.Warnf("request logger: create %s failed: %v", path, err)
		return ""
	}
	if _, err = f.Write(data); err != nil {
		log.Warnf("request logger: write failed: %v", err)
	}
	_, _ = f.WriteString("\n--- response ---\n")
	l.mu.Lock()
	l.files[id] = f
	l.mu.Unlock()
	return id
}

// AppendResponse appends a response chunk to the request's dump file.
func (l *RequestLogger) AppendResponse(id string, chunk []byte) {
	if !l.Enabled() || id == "" {
		return
	}
	l.mu.Lock()
	f := l.files[id]
	l.mu.Unlock()
	if f == nil {
		return
	}
	if _, err := f.Write(append(chunk, '\n')); err != nil {
		log.Warnf("request logger: append failed: %v", err)
	}
}

// EndRequest closes the request's dump file.
func (l *RequestLogger) EndRequest(id string) {
	if !l.Enabled() || id == "" {
		return
	}
	l.mu.Lock()
	f := l.files[id]
	delete(l.files, id)
	l.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}
