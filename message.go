package txdefer

import (
	"time"

	"github.com/google/uuid"
)

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// Message is a notification to hand to an external system once the transaction
// it was produced in has committed.
type Message struct {
	// ID is a unique identifier for the message
	ID uuid.UUID

	// Name identifies the kind of message (e.g. "SendWelcomeEmail").
	// It is what the whitelist is matched against.
	Name string

	// CreatedAt is the timestamp when the message was created
	CreatedAt time.Time

	// Metadata is an optional field containing additional information about the message,
	// such as correlation IDs or trace IDs. Most brokers carry it as message headers.
	Metadata map[string]string

	// Payload contains the actual message data, typically JSON serialized
	Payload []byte

	// SafeInTransaction marks the message as publishable while a transaction is still open.
	SafeInTransaction bool
}

// WithID sets the unique identifier of the message.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithCreatedAt sets the time the message was created.
// If not provided, the current time will be used.
func WithCreatedAt(createdAt time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = createdAt
	}
}

// WithMetadata attaches message metadata (e.g. correlation ID, trace ID, etc).
func WithMetadata(metadata map[string]string) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

// WithTransactionAware publishes the message immediately even inside an open transaction.
func WithTransactionAware() MessageOption {
	return func(m *Message) {
		m.SafeInTransaction = true
	}
}

// NewMessage creates a new Message with the given name and payload.
func NewMessage(name string, payload []byte, opts ...MessageOption) *Message {
	m := &Message{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Identifier implements Identifier.
func (m *Message) Identifier() string {
	if m == nil {
		return ""
	}
	return m.Name
}

// TransactionAware implements TransactionAware.
func (m *Message) TransactionAware() bool {
	return m != nil && m.SafeInTransaction
}
