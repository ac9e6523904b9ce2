// Package bus is the in-process communication fabric between worker
// sessions: targeted messages, workspace broadcasts, request/response with
// timeouts and shared context.
package bus

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message exchanged between sessions.
type MessageType string

const (
	// MessageTaskResult carries the outcome of a task to interested peers.
	MessageTaskResult MessageType = "task_result"

	// MessageContextShare announces an update to a session's shared context.
	MessageContextShare MessageType = "context_share"

	// MessageDependencyRequest asks a peer for an artifact it produced.
	MessageDependencyRequest MessageType = "dependency_request"

	// MessageStatusUpdate reports progress.
	MessageStatusUpdate MessageType = "status_update"

	MessageError    MessageType = "error"
	MessageQuestion MessageType = "question"
)

// BroadcastRecipient is the "to" value addressing every other session in
// the sender's workspace.
const BroadcastRecipient = "broadcast"

// Wildcard subscribes a handler to every message type.
const Wildcard MessageType = "*"

var validMessageTypes = map[MessageType]bool{
	MessageTaskResult:        true,
	MessageContextShare:      true,
	MessageDependencyRequest: true,
	MessageStatusUpdate:      true,
	MessageError:             true,
	MessageQuestion:          true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return validMessageTypes[t]
}

var (
	// ErrAgentUnregistered rejects requests whose requester or target left the bus.
	ErrAgentUnregistered = errors.New("agent unregistered")

	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("bus closed")
)

// Message is a single inter-session communication.
type Message struct {
	ID            string      `json:"id"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Type          MessageType `json:"type"`
	Payload       any         `json:"payload,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// IsBroadcast reports whether the message addresses the whole workspace.
func (m Message) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}

// ContextShare is the payload of a context_share message.
type ContextShare struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Handler processes a delivered message. A returned error (or a panic) is
// reported as a handler_error and never reaches the sender.
type Handler func(ctx context.Context, msg Message) error

// Observer receives bus activity counters. The metrics package implements it.
type Observer interface {
	MessageSent(msgType string)
	HandlerError()
	PendingRequests(n int)
}

type nopObserver struct{}

func (nopObserver) MessageSent(string)  {}
func (nopObserver) HandlerError()       {}
func (nopObserver) PendingRequests(int) {}
