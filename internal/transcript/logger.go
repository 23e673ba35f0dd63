// Package transcript writes every persisted session message to per-session
// NDJSON files off the request path.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/debategym/internal/config"
	"github.com/ashureev/debategym/internal/domain"
)

// Event is one NDJSON line.
type Event struct {
	LoggedAt     time.Time         `json:"logged_at"`
	SessionID    string            `json:"session_id"`
	MessageID    string            `json:"message_id"`
	SenderRole   domain.SenderRole `json:"sender_role"`
	SenderID     string            `json:"sender_id,omitempty"`
	Content      string            `json:"content"`
	RespondingTo string            `json:"responding_to,omitempty"`
	Fallback     bool              `json:"fallback,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Logger records messages. Record never blocks.
type Logger interface {
	Record(msg *domain.Message)
	Close() error
}

// New returns a file logger when cfg is enabled and a no-op logger otherwise.
func New(cfg config.ConversationLogConfig, log *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewFileLogger(cfg.Dir, cfg.QueueSize, log)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Record(*domain.Message) {}
func (Noop) Close() error           { return nil }

// FileLogger appends events to <dir>/<session_id>.ndjson from one goroutine.
type FileLogger struct {
	dir    string
	queue  chan Event
	log    *slog.Logger
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewFileLogger creates dir and starts the writer.
func NewFileLogger(dir string, queueSize int, log *slog.Logger) (*FileLogger, error) {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	l := &FileLogger{dir: dir, queue: make(chan Event, queueSize), log: log}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Record enqueues msg, dropping it with a warning when the queue is full.
func (l *FileLogger) Record(msg *domain.Message) {
	if msg == nil {
		return
	}
	ev := Event{
		LoggedAt:     time.Now().UTC(),
		SessionID:    msg.SessionID,
		MessageID:    msg.ID,
		SenderRole:   msg.SenderRole,
		Content:      msg.Content,
		RespondingTo: msg.RespondingTo(),
		CreatedAt:    msg.CreatedAt,
	}
	if msg.SenderID != nil {
		ev.SenderID = *msg.SenderID
	}
	if fb, ok := msg.Metadata[domain.MetaFallback].(bool); ok {
		ev.Fallback = fb
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.log.Warn("Transcript queue full, dropping event",
			"session_id", ev.SessionID,
			"message_id", ev.MessageID)
	}
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *FileLogger) run() {
	defer l.wg.Done()
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.log.Warn("Failed to write transcript event",
				"error", err,
				"session_id", ev.SessionID)
		}
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Path returns the transcript file for sessionID.
func (l *FileLogger) Path(sessionID string) string {
	name := unsafeName.ReplaceAllString(sessionID, "_")
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(l.dir, name+".ndjson")
}

func (l *FileLogger) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(l.Path(ev.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}
