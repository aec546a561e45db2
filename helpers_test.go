package carrotjms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aleybovich/carrot-jms/config"

	"github.com/stretchr/testify/require"
)

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	logs map[string][]string // key is log level, value is array of log entries
	mu   sync.Mutex
	t    *testing.T
}

// NewMockLogger creates a new MockLogger for testing
func NewMockLogger(t *testing.T) *MockLogger {
	return &MockLogger{logs: map[string][]string{}, t: t}
}

func (m *MockLogger) record(level, format string, a ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := fmt.Sprintf(format, a...)
	m.logs[level] = append(m.logs[level], msg)
	m.t.Logf("MOCK-%s: %s", strings.ToUpper(level), msg)
}

func (m *MockLogger) Fatal(format string, a ...any) { m.record("fatal", format, a...) }
func (m *MockLogger) Err(format string, a ...any)   { m.record("error", format, a...) }
func (m *MockLogger) Warn(format string, a ...any)  { m.record("warn", format, a...) }
func (m *MockLogger) Info(format string, a ...any)  { m.record("info", format, a...) }
func (m *MockLogger) Debug(format string, a ...any) { m.record("debug", format, a...) }

// Contains checks if any log message at the specified level contains the given substr
func (m *MockLogger) Contains(level, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.logs[level] {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

var nameCounter atomic.Int64

// uniqueName returns a destination name that no other test uses
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, nameCounter.Add(1))
}

// setupTestFactory returns a factory on a fresh in-process broker with fast redelivery
func setupTestFactory(t *testing.T, opts ...FactoryOption) *ConnectionFactory {
	t.Helper()
	cfg := config.Default()
	cfg.Consumer.NegativeAckDelay = time.Millisecond
	cfg.Consumer.MaxNegativeAckDelay = 10 * time.Millisecond

	base := []FactoryOption{WithConfig(cfg), WithLogger(NewMockLogger(t))}
	f, err := NewConnectionFactory(append(base, opts...)...)
	require.NoError(t, err, "Failed to create connection factory")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.Close(ctx); err != nil {
			t.Logf("Error closing factory: %v", err)
		}
	})
	return f
}

func setupTestConnection(t *testing.T, f *ConnectionFactory) *Connection {
	t.Helper()
	conn, err := f.CreateConnection(context.Background())
	require.NoError(t, err, "Failed to create connection")
	return conn
}

func setupTestSession(t *testing.T, conn *Connection, mode AckMode) *Session {
	t.Helper()
	s, err := conn.CreateSession(mode)
	require.NoError(t, err, "Failed to create session")
	return s
}

func sendText(t *testing.T, p *Producer, text string, props map[string]any) *Message {
	t.Helper()
	msg := NewTextMessage(text)
	for k, v := range props {
		require.NoError(t, msg.SetProperty(k, v))
	}
	require.NoError(t, p.Send(context.Background(), msg), "Failed to send %q", text)
	return msg
}

func textOf(t *testing.T, msg *Message) string {
	t.Helper()
	require.NotNil(t, msg, "expected a message")
	text, err := msg.Text()
	require.NoError(t, err)
	return text
}
