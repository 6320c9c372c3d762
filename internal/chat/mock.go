package chat

import (
	"context"
	"strings"
	"time"
)

// MockClient answers locally. With Reply unset it echoes the prompt back.
type MockClient struct {
	Reply string
	Err   error
	Delay time.Duration
}

func NewMockClient() *MockClient {
	return &MockClient{Delay: 20 * time.Millisecond}
}

func (m *MockClient) Send(ctx context.Context, prompt string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return "[mock reply to " + strings.TrimSpace(prompt) + "]", nil
}
