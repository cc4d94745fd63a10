// Package analytics records best-effort usage events. Recording never blocks
// the caller and never fails it: events are buffered, written in batches, and
// dropped with a warning when the buffer is full or the store errors.
package analytics

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/moraltorture/internal/db"
)

// Action is the closed set of recorded event types.
type Action string

const (
	DilemmaFetched   Action = "dilemma_fetched"
	DilemmaGenerated Action = "dilemma_generated"
	VoteCast         Action = "vote_cast"
	ResultsAnalyzed  Action = "results_analyzed"
	StoryFlowFetched Action = "story_flow_fetched"
	StoryNodeVote    Action = "story_node_vote"
)

func (a Action) Valid() bool {
	switch a {
	case DilemmaFetched, DilemmaGenerated, VoteCast, ResultsAnalyzed, StoryFlowFetched, StoryNodeVote:
		return true
	}
	return false
}

const (
	batchSize      = 32
	flushInterval  = 500 * time.Millisecond
	fingerprintLen = 16
)

// Store persists event batches.
type Store interface {
	InsertEvents(ctx context.Context, events []*db.AnalyticsEvent) error
}

// DropCounter is told about every event that was not persisted.
type DropCounter interface {
	IncAnalyticsDropped()
}

// Event is what callers hand to Record.
type Event struct {
	SessionID string
	Action    Action
	Language  string
	Data      map[string]any
	UserAgent string
	ClientIP  string
}

type Options struct {
	Salt         string
	TTL          time.Duration
	UserAgentMax int
	Buffer       int
	Drops        DropCounter
	Now          func() time.Time
}

// Recorder writes events asynchronously. A nil *Recorder discards events.
type Recorder struct {
	store Store
	opts  Options
	key   []byte

	mu     sync.RWMutex
	closed bool
	ch     chan *db.AnalyticsEvent
	done   chan struct{}
	once   sync.Once
}

func New(store Store, opts Options) *Recorder {
	if opts.TTL <= 0 {
		opts.TTL = 90 * 24 * time.Hour
	}
	if opts.UserAgentMax <= 0 {
		opts.UserAgentMax = 200
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Recorder{
		store: store,
		opts:  opts,
		key:   fingerprintKey(opts.Salt),
		ch:    make(chan *db.AnalyticsEvent, opts.Buffer),
		done:  make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Record enqueues e. It returns immediately.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if !e.Action.Valid() {
		slog.Warn("analytics: unknown action, dropping event", "action", e.Action)
		r.drop()
		return
	}
	ev := r.build(e)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop()
		return
	}
	select {
	case r.ch <- ev:
	default:
		slog.Warn("analytics buffer full, dropping event", "action", ev.ActionType)
		r.drop()
	}
}

// Close flushes pending events and stops the writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		<-r.done
	})
	return nil
}

func (r *Recorder) build(e Event) *db.AnalyticsEvent {
	now := r.opts.Now()
	ev := &db.AnalyticsEvent{
		SessionID:      e.SessionID,
		Timestamp:      now.UnixMilli(),
		ActionType:     string(e.Action),
		Language:       e.Language,
		UserAgent:      truncate(e.UserAgent, r.opts.UserAgentMax),
		ExpirationTime: now.Add(r.opts.TTL).Unix(),
	}
	if ev.Language == "" {
		ev.Language = "en"
	}
	if ev.SessionID == "" {
		ev.SessionID = "anonymous"
	}
	if e.ClientIP != "" {
		ev.HashedIP = r.Fingerprint(e.ClientIP)
	}
	if len(e.Data) > 0 {
		if b, err := json.Marshal(e.Data); err == nil {
			ev.ActionData = string(b)
		} else {
			slog.Warn("analytics: unencodable action data", "action", e.Action, "error", err)
		}
	}
	return ev
}

// Fingerprint returns the salted one-way hash of a client address.
func (r *Recorder) Fingerprint(addr string) string {
	h, err := blake2b.New256(r.key)
	if err != nil {
		return ""
	}
	h.Write([]byte(addr))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// fingerprintKey turns the salt into a blake2b key; keys are limited to 64
// bytes so longer salts are hashed down first.
func fingerprintKey(salt string) []byte {
	if salt == "" {
		return nil
	}
	if len(salt) > blake2b.Size {
		sum := blake2b.Sum256([]byte(salt))
		return sum[:]
	}
	return []byte(salt)
}

func (r *Recorder) drop() {
	if r.opts.Drops != nil {
		r.opts.Drops.IncAnalyticsDropped()
	}
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	batch := make([]*db.AnalyticsEvent, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []*db.AnalyticsEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.InsertEvents(ctx, batch); err != nil {
		slog.Error("analytics write failed", "error", err, "events", len(batch))
		for range batch {
			r.drop()
		}
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
