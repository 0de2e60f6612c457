package lsp

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// unbegunTTL is how long a created token may wait for begin before it is
// dropped.
const unbegunTTL = time.Minute

// ProgressOwner identifies the session that reports progress.
type ProgressOwner struct {
	ID   string // session key
	Name string // server name for display
}

// ProgressToken is the state of one work-done progress stream.
type ProgressToken struct {
	Owner       ProgressOwner
	Token       string
	Title       string
	Message     string
	Percentage  *int
	Cancellable bool
	Done        bool

	begun   bool
	created time.Time
}

type progressKey struct {
	owner string
	token string
}

// ProgressTracker records $/progress streams from every session.
// Notifications from one session arrive in order; nothing is assumed about
// ordering across sessions.
type ProgressTracker struct {
	mu     sync.Mutex
	tokens map[progressKey]*ProgressToken
	order  []progressKey
	now    func() time.Time

	listeners []func()
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		tokens: make(map[progressKey]*ProgressToken),
		now:    time.Now,
	}
}

// OnChange registers a listener called after every update.
func (t *ProgressTracker) OnChange(fn func()) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Create registers a token announced by window/workDoneProgress/create.
// It stays hidden until the server sends begin.
func (t *ProgressTracker) Create(owner ProgressOwner, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneUnbegun()
	t.get(owner, token)
}

// OnProgress applies one begin, report or end payload. Unknown kinds are
// ignored; report and end for an unknown token create it.
func (t *ProgressTracker) OnProgress(owner ProgressOwner, token string, v WorkDoneProgressValue) {
	t.mu.Lock()
	switch v.Kind {
	case "begin":
		p := t.get(owner, token)
		p.Title = v.Title
		p.Message = v.Message
		p.Percentage = v.Percentage
		p.Cancellable = v.Cancellable
		p.Done = false
		p.begun = true
	case "report":
		p := t.get(owner, token)
		if v.Message != "" {
			p.Message = v.Message
		}
		if v.Percentage != nil {
			p.Percentage = v.Percentage
		}
		p.Cancellable = v.Cancellable
		p.begun = true
	case "end":
		p := t.get(owner, token)
		if v.Message != "" {
			p.Message = v.Message
		}
		p.Done = true
		p.begun = true
	default:
		t.mu.Unlock()
		return
	}
	listeners := append([]func(){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// get returns the token, creating it at the end of the start order.
// t.mu must be held.
func (t *ProgressTracker) get(owner ProgressOwner, token string) *ProgressToken {
	k := progressKey{owner: owner.ID, token: token}
	if p, ok := t.tokens[k]; ok {
		if owner.Name != "" {
			p.Owner.Name = owner.Name
		}
		return p
	}
	p := &ProgressToken{Owner: owner, Token: token, created: t.now()}
	t.tokens[k] = p
	t.order = append(t.order, k)
	return p
}

// Snapshot returns all begun tokens in start order. Tokens that are Done
// appear in exactly one snapshot and are then evicted.
func (t *ProgressTracker) Snapshot() []ProgressToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneUnbegun()

	out := make([]ProgressToken, 0, len(t.order))
	kept := t.order[:0]
	for _, k := range t.order {
		p := t.tokens[k]
		if !p.begun {
			// created but not begun
			kept = append(kept, k)
			continue
		}
		cp := *p
		if p.Percentage != nil {
			pct := *p.Percentage
			cp.Percentage = &pct
		}
		out = append(out, cp)
		if p.Done {
			delete(t.tokens, k)
			continue
		}
		kept = append(kept, k)
	}
	t.order = kept
	return out
}

// Active reports whether any begun token is still running.
func (t *ProgressTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.tokens {
		if p.begun && !p.Done {
			return true
		}
	}
	return false
}

// DropOwner removes every token of a stopped session.
func (t *ProgressTracker) DropOwner(ownerID string) {
	t.mu.Lock()
	kept := t.order[:0]
	for _, k := range t.order {
		if k.owner == ownerID {
			delete(t.tokens, k)
			continue
		}
		kept = append(kept, k)
	}
	t.order = kept
	listeners := append([]func(){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// StatusLine renders progress for the status bar, most recently started
// last, e.g. "gopls: Indexing 45%". Like Snapshot, a Done token is rendered
// once more with its final message and then evicted.
func (t *ProgressTracker) StatusLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneUnbegun()

	var parts []string
	kept := t.order[:0]
	for _, k := range t.order {
		p := t.tokens[k]
		if p.begun {
			parts = append(parts, formatProgress(p))
		}
		if p.Done {
			delete(t.tokens, k)
			continue
		}
		kept = append(kept, k)
	}
	t.order = kept
	return strings.Join(parts, " | ")
}

// pruneUnbegun drops created tokens that never saw begin within
// unbegunTTL. t.mu must be held.
func (t *ProgressTracker) pruneUnbegun() {
	cutoff := t.now().Add(-unbegunTTL)
	kept := t.order[:0]
	for _, k := range t.order {
		p := t.tokens[k]
		if !p.begun && p.created.Before(cutoff) {
			delete(t.tokens, k)
			continue
		}
		kept = append(kept, k)
	}
	t.order = kept
}

func formatProgress(p *ProgressToken) string {
	var sb strings.Builder
	if p.Owner.Name != "" {
		sb.WriteString(p.Owner.Name)
		sb.WriteString(": ")
	}
	sb.WriteString(p.Title)
	if p.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(p.Message)
	}
	if p.Percentage != nil {
		fmt.Fprintf(&sb, " %d%%", *p.Percentage)
	}
	return sb.String()
}
