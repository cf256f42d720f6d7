package llm

import (
	"context"
	"strings"
	"testing"

	chatModels "anomalygpt/internal/domain/models/chat"
	services "anomalygpt/internal/domain/services/chat"
)

func settledExecutor(settle func(*TurnExecutor)) *TurnExecutor {
	e := NewTurnExecutor(context.Background(), "turn1", "s1", "m", nullMessageRepo{})
	settle(e)
	return e
}

// A client attaching within the release grace, after the turn settled, gets
// the terminal event through catchup and its channel is closed exactly once:
// the handler's deferred RemoveClient must find nothing left to close.
func TestLateClientAfterSettledTurn(t *testing.T) {
	cases := []struct {
		name      string
		settle    func(*TurnExecutor)
		wantEvent string
	}{
		{
			name: "complete",
			settle: func(e *TurnExecutor) {
				e.MarkComplete(&services.StreamMetadata{Model: "m", InputTokens: 1, OutputTokens: 1, StopReason: "end_turn"})
			},
			wantEvent: chatModels.SSEEventTurnComplete,
		},
		{
			name:      "error",
			settle:    func(e *TurnExecutor) { e.MarkError(context.DeadlineExceeded) },
			wantEvent: chatModels.SSEEventTurnError,
		},
		{
			name:      "cancelled",
			settle:    func(e *TurnExecutor) { e.MarkCancelled() },
			wantEvent: chatModels.SSEEventTurnError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := settledExecutor(tc.settle)

			e.AddClient("late")
			ch := e.GetClientChannel("late")
			if ch == nil {
				t.Fatal("client channel not registered")
			}

			if err := e.HandleReconnection(context.Background(), ch); err != nil {
				t.Fatalf("catchup: %v", err)
			}

			var events []string
			for event := range ch {
				events = append(events, event)
			}
			var sawTerminal bool
			for _, event := range events {
				if strings.Contains(event, "event: "+tc.wantEvent+"\n") {
					sawTerminal = true
				}
			}
			if !sawTerminal {
				t.Errorf("catchup never delivered %s: %v", tc.wantEvent, events)
			}

			// The deferred cleanup in the stream handler
			e.RemoveClient("late")
		})
	}
}

func TestRemoveClientTwiceIsNoop(t *testing.T) {
	e := NewTurnExecutor(context.Background(), "turn1", "s1", "m", nullMessageRepo{})
	e.AddClient("c1")
	e.RemoveClient("c1")
	e.RemoveClient("c1")
}
