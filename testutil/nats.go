package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// subscription is one handler registered for a subject pattern.
type subscription struct {
	pattern string
	handler func(context.Context, []byte)
}

// MockNATSClient is a simple in-memory NATS client for testing (core message passing).
// Matches the natsclient.Client signatures for Subscribe and Publish, including
// the "*" and ">" subject wildcards. Handlers run synchronously inside Publish.
// Thread-safe for concurrent use from multiple goroutines.
type MockNATSClient struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	subscriptions []subscription
	closed        bool
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		messages: make(map[string][][]byte),
	}
}

// Publish publishes a message to a subject (matches natsclient.Client signature).
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}

	c.messages[subject] = append(c.messages[subject], data)

	// Copy matching handlers to avoid holding the lock during callbacks
	var handlers []func(context.Context, []byte)
	for _, sub := range c.subscriptions {
		if SubjectMatches(sub.pattern, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	// Per-message context with 30s timeout (matches real client)
	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, data)
		cancel()
	}

	return nil
}

// Subscribe creates a subscription to a subject pattern (matches natsclient.Client signature).
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	c.subscriptions = append(c.subscriptions, subscription{pattern: subject, handler: handler})
	return nil
}

// SubscriptionCount returns the number of registered subscriptions.
func (c *MockNATSClient) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions)
}

// GetMessages returns all messages published on a subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return a copy to prevent races on the returned slice
	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// GetMessageCount returns the number of messages on a subject.
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// ClearAll clears all messages from all subjects.
func (c *MockNATSClient) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string][][]byte)
}

// Close closes the mock client.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed returns whether the client is closed.
func (c *MockNATSClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SubjectMatches reports whether subject matches a NATS subscription pattern.
// "*" matches exactly one token and a trailing ">" matches one or more.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// WaitForMessageCount waits for a specific number of messages (with timeout).
func WaitForMessageCount(t *testing.T, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.GetMessageCount(subject) >= count {
			return
		}
		select {
		case <-ctx.Done():
			got := client.GetMessageCount(subject)
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, got)
			return
		case <-ticker.C:
		}
	}
}

// AssertMessageReceived checks that a message was received on a subject.
func AssertMessageReceived(t *testing.T, client *MockNATSClient, subject string) {
	t.Helper()

	if len(client.GetMessages(subject)) == 0 {
		t.Fatalf("expected message on subject %s, got none", subject)
	}
}

// AssertNoMessages checks that no messages were received on a subject.
func AssertNoMessages(t *testing.T, client *MockNATSClient, subject string) {
	t.Helper()

	if messages := client.GetMessages(subject); len(messages) > 0 {
		t.Fatalf("expected no messages on subject %s, got %d", subject, len(messages))
	}
}
