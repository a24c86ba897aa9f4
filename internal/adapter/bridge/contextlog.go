package bridge

import (
	"fmt"
	"os"
	"sync"
	"time"

	"swarmbridge/internal/domain"
)

// initialContextTemplate seeds the shared context file that an external
// implementation engine reads alongside the bridge.
const initialContextTemplate = `# Local Swarm Context (Shared Brain)

> **SYSTEM ALERT**: This file is the synchronization point between the Swarm Intelligence and the Implementation Engine.

## Instructions for the Reader
1. **You are the Lead Engineer.** The Swarm (Orchestrator, Analyst, Critic) generates plans and writes them here.
2. **Your Goal:** Implement the code described in the "FINAL SWARM PLAN" section below.
3. **Communication:** If you need clarification, use the Bridge to send a message back to the Swarm.

---
## Session Log
(Waiting for Swarm Input...)
`

// ContextLog is the append-only audit file mirroring bridge traffic. Writes
// are best effort: a failed append never blocks the mailbox itself.
type ContextLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewContextLog creates the log at path, seeding it with the template when
// the file does not exist yet.
func NewContextLog(path string) (*ContextLog, error) {
	l := &ContextLog{path: path, now: time.Now}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(initialContextTemplate), 0o644); err != nil {
			return nil, fmt.Errorf("seed context log: %w", err)
		}
	}
	return l, nil
}

// Append writes one traffic entry. source is the uppercase channel tag
// (CLI or SWARM).
func (l *ContextLog) Append(source string, msg domain.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sender := "**User**"
	if msg.AuthorID != "" {
		sender = fmt.Sprintf("**Agent (%s)**", msg.AuthorID)
	}
	entry := fmt.Sprintf("\n\n--- %s MESSAGE [%s] ---\n%s: %s\n",
		source, l.now().Format("2006-01-02 15:04:05"), sender, msg.Content)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open context log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append context log: %w", err)
	}
	return nil
}

// Reset rewrites the file back to the seed template. Called on history clear
// so the external reader does not act on stale plans.
func (l *ContextLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.WriteFile(l.path, []byte(initialContextTemplate), 0o644); err != nil {
		return fmt.Errorf("reset context log: %w", err)
	}
	return nil
}
