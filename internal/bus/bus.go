// Package bus carries directives from the orchestrator to executor-owning
// processes. The orchestrator is a pure producer: it resolves a recipient
// for a project and sends one addressed message per dispatch.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoRecipient is returned when a project has no registered executor
// recipient. The orchestrator treats this as "cannot dispatch" and returns
// the task to the backlog.
var ErrNoRecipient = errors.New("no recipient registered for project")

// Message is an addressed directive for an executor-owning process.
type Message struct {
	// Recipient is the resolved destination.
	Recipient string
	// Type tags the message kind (e.g. "stage-directive").
	Type string
	// Payload is the directive text.
	Payload string
	// Meta carries routing metadata (task id, stage, agent template).
	Meta map[string]string
}

// Bus is the producer surface the orchestrator depends on.
type Bus interface {
	// ResolveRecipient returns the executor recipient for a project.
	ResolveRecipient(projectID string) (string, error)
	// Send delivers a message to its recipient.
	Send(ctx context.Context, msg Message) error
}

// InProcess is a channel-backed Bus for embedding the orchestrator and the
// executor host in one process, and for tests.
type InProcess struct {
	mu         sync.RWMutex
	recipients map[string]string
	inboxes    map[string]chan Message
	buffer     int
}

// NewInProcess creates an in-process bus with the given inbox buffer size.
func NewInProcess(buffer int) *InProcess {
	if buffer <= 0 {
		buffer = 16
	}
	return &InProcess{
		recipients: make(map[string]string),
		inboxes:    make(map[string]chan Message),
		buffer:     buffer,
	}
}

// Register binds a recipient to a project and returns its inbox.
// Re-registering a project rebinds it to the new recipient.
func (b *InProcess) Register(projectID, recipient string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recipients[projectID] = recipient
	inbox, ok := b.inboxes[recipient]
	if !ok {
		inbox = make(chan Message, b.buffer)
		b.inboxes[recipient] = inbox
	}
	return inbox
}

// ResolveRecipient returns the executor recipient for a project.
func (b *InProcess) ResolveRecipient(projectID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	recipient, ok := b.recipients[projectID]
	if !ok {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNoRecipient)
	}
	return recipient, nil
}

// Send delivers a message, blocking until the recipient's inbox accepts it
// or the context is done.
func (b *InProcess) Send(ctx context.Context, msg Message) error {
	b.mu.RLock()
	inbox, ok := b.inboxes[msg.Recipient]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("recipient %s: %w", msg.Recipient, ErrNoRecipient)
	}

	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", msg.Recipient, ctx.Err())
	}
}

var _ Bus = (*InProcess)(nil)
