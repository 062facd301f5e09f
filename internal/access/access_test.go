package access

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/handshake"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRulePolicy_Decide(t *testing.T) {
	tests := []struct {
		name     string
		policy   RulePolicy
		username string
		host     string
		want     Decision
	}{
		{
			name:     "zero policy accepts all",
			policy:   RulePolicy{},
			username: "alice",
			host:     "192.0.2.10",
			want:     DecisionGranted,
		},
		{
			name:     "user on allow list",
			policy:   RulePolicy{AllowedUsers: []string{"alice", "bob"}},
			username: "alice",
			host:     "192.0.2.10",
			want:     DecisionGranted,
		},
		{
			name:     "user not on allow list",
			policy:   RulePolicy{AllowedUsers: []string{"bob"}},
			username: "alice",
			host:     "192.0.2.10",
			want:     DecisionDenied,
		},
		{
			name:     "host not on allow list",
			policy:   RulePolicy{AllowedHosts: []string{"198.51.100.1"}},
			username: "alice",
			host:     "192.0.2.10",
			want:     DecisionDenied,
		},
		{
			name: "both rule sets must pass",
			policy: RulePolicy{
				AllowedUsers: []string{"alice"},
				AllowedHosts: []string{"198.51.100.1"},
			},
			username: "alice",
			host:     "192.0.2.10",
			want:     DecisionDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Decide(tt.username, tt.host); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func newTestClient(username, host string) *handshake.Client {
	client := handshake.NewClient(nil)
	client.Username = username
	client.HostAddress = host
	return client
}

func awaitNotification(t *testing.T, notified chan *handshake.Client) *handshake.Client {
	t.Helper()
	select {
	case cl := <-notified:
		return cl
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for decision notification")
		return nil
	}
}

func TestController_GrantsAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan *handshake.Client, 1)
	controller := NewController(testLogger(), AcceptAllPolicy{}, time.Minute, func(c *handshake.Client) {
		notified <- c
	})
	controller.Start(ctx)

	client := newTestClient("alice", "192.0.2.10")
	controller.AddClient(client)

	if got := awaitNotification(t, notified); got != client {
		t.Fatalf("notification delivered for the wrong client")
	}
	if client.AccessState() != handshake.AccessSuccessful {
		t.Errorf("AccessState = %s, want Successful", client.AccessState())
	}
}

func TestController_DeniesAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan *handshake.Client, 1)
	controller := NewController(testLogger(), RejectAllPolicy{}, time.Minute, func(c *handshake.Client) {
		notified <- c
	})
	controller.Start(ctx)

	client := newTestClient("mallory", "192.0.2.66")
	controller.AddClient(client)

	awaitNotification(t, notified)
	if client.AccessState() != handshake.AccessFailed {
		t.Errorf("AccessState = %s, want Failed", client.AccessState())
	}
}

func TestController_CachedDecisionAppliesSynchronously(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan *handshake.Client, 2)
	controller := NewController(testLogger(), AcceptAllPolicy{}, time.Minute, func(c *handshake.Client) {
		notified <- c
	})
	controller.Start(ctx)

	first := newTestClient("alice", "192.0.2.10")
	controller.AddClient(first)
	awaitNotification(t, notified)

	// The second connection for the same pair hits the decision cache:
	// state is applied before AddClient returns and no notification fires.
	second := newTestClient("alice", "192.0.2.10")
	controller.AddClient(second)

	if second.AccessState() != handshake.AccessSuccessful {
		t.Errorf("AccessState = %s, want Successful", second.AccessState())
	}
	select {
	case <-notified:
		t.Error("cache hit should not produce a notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestController_AddClientIsIdempotent(t *testing.T) {
	notified := make(chan *handshake.Client, 2)
	controller := NewController(testLogger(), AcceptAllPolicy{}, time.Minute, func(c *handshake.Client) {
		notified <- c
	})

	// Worker not started yet: both calls land while the decision is still
	// outstanding.
	client := newTestClient("alice", "192.0.2.10")
	controller.AddClient(client)
	controller.AddClient(client)

	if client.AccessState() != handshake.AccessWaiting {
		t.Fatalf("AccessState = %s, want Waiting", client.AccessState())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller.Start(ctx)

	awaitNotification(t, notified)
	select {
	case <-notified:
		t.Error("duplicate AddClient produced a second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestController_DecidedClientIsLeftAlone(t *testing.T) {
	controller := NewController(testLogger(), RejectAllPolicy{}, time.Minute, nil)

	client := newTestClient("alice", "192.0.2.10")
	client.SetAccessState(handshake.AccessSuccessful)

	controller.AddClient(client)
	if client.AccessState() != handshake.AccessSuccessful {
		t.Errorf("AccessState = %s, want Successful", client.AccessState())
	}
}
