package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pkg/audit"

	"github.com/hazyhaar/moraltorture/internal/db"
)

// TransportStdio tags entries written by the stdio MCP server.
const TransportStdio = "mcp_stdio"

// AuditLog implements audit.Logger on the metrics database. LogAsync never
// blocks: entries are written by a background loop and dropped with a
// warning when the buffer is full.
type AuditLog struct {
	db   *db.MetricsDB
	now  func() time.Time
	ch   chan *audit.Entry
	done chan struct{}
	once sync.Once
}

var _ audit.Logger = (*AuditLog)(nil)

func NewAuditLog(mdb *db.MetricsDB) *AuditLog {
	l := &AuditLog{
		db:   mdb,
		now:  time.Now,
		ch:   make(chan *audit.Entry, 256),
		done: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

func (l *AuditLog) Log(ctx context.Context, e *audit.Entry) error {
	l.fillDefaults(e)
	return l.db.RecordAudit(ctx, e)
}

func (l *AuditLog) LogAsync(e *audit.Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("audit buffer full, dropping entry", "action", e.Action)
	}
}

// Close writes the buffered entries and stops the loop. LogAsync must not be
// called afterwards.
func (l *AuditLog) Close() error {
	l.once.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

func (l *AuditLog) fillDefaults(e *audit.Entry) {
	if e.EntryID == "" {
		e.EntryID = "aud_" + db.NewID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().Unix()
	}
	if e.Transport == "" {
		e.Transport = TransportStdio
	}
	if e.Status == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "error"
		}
	}
}

func (l *AuditLog) flushLoop() {
	defer close(l.done)
	for e := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.db.RecordAudit(ctx, e); err != nil {
			slog.Error("audit write failed", "error", err, "action", e.Action)
		}
		cancel()
	}
}
