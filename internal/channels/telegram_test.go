package channels

import "testing"

func TestSessionIDRoundTrip(t *testing.T) {
	id := SessionIDForUser(123456789)
	if id != "telegram-123456789" {
		t.Fatalf("session id = %q", id)
	}
	chatID, ok := ChatIDForSession(id)
	if !ok || chatID != 123456789 {
		t.Fatalf("chat id = %d, ok = %v", chatID, ok)
	}
}

func TestChatIDForSessionRejectsForeignSessions(t *testing.T) {
	cases := []string{"local", "repl-1", "telegram-", "telegram-abc", ""}
	for _, sessionID := range cases {
		if _, ok := ChatIDForSession(sessionID); ok {
			t.Errorf("session %q should not map to a chat", sessionID)
		}
	}
}
