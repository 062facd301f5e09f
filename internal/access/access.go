// Package access implements the access-control collaborator: a policy engine
// that decides whether an authenticated (or anonymous) connection may reach
// the framebuffer, decoupled from the handshake by a queue so that slow
// decision sources never block a connection's event loop.
package access

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/handshake"
)

// Decision is a policy's verdict for one username/host pair.
type Decision int

const (
	DecisionDenied Decision = iota
	DecisionGranted
)

func (d Decision) String() string {
	if d == DecisionGranted {
		return "granted"
	}
	return "denied"
}

// Policy decides whether a connection may proceed. Implementations may be
// slow (directory lookups, user prompts); the Controller serializes calls on
// a worker goroutine.
type Policy interface {
	Decide(username, host string) Decision
}

// AcceptAllPolicy grants every connection. Only suitable when authentication
// alone is sufficient.
type AcceptAllPolicy struct{}

func (AcceptAllPolicy) Decide(username, host string) Decision { return DecisionGranted }

// RejectAllPolicy denies every connection, effectively disabling the server
// without stopping it.
type RejectAllPolicy struct{}

func (RejectAllPolicy) Decide(username, host string) Decision { return DecisionDenied }

// RulePolicy grants a connection when it passes every configured rule set.
// An empty rule set matches everything, so a zero RulePolicy accepts all.
type RulePolicy struct {
	AllowedUsers []string
	AllowedHosts []string
}

func (p RulePolicy) Decide(username, host string) Decision {
	if !matchesRules(username, p.AllowedUsers) || !matchesRules(host, p.AllowedHosts) {
		return DecisionDenied
	}
	return DecisionGranted
}

func matchesRules(value string, rules []string) bool {
	if len(rules) == 0 {
		return true
	}
	for _, rule := range rules {
		if rule == value {
			return true
		}
	}
	return false
}

// Controller runs policy decisions for queued connections on a single worker
// goroutine and caches verdicts per username/host pair. It implements
// handshake.AccessController.
type Controller struct {
	logger    *logrus.Logger
	policy    Policy
	decisions *gocache.Cache

	// notify delivers the "decision ready" signal back to the connection's
	// owner, which routes it into the event loop as FinishAccessControl.
	notify func(c *handshake.Client)

	mu     sync.Mutex
	queue  []*handshake.Client
	queued map[*handshake.Client]struct{}
	wake   chan struct{}
}

func NewController(logger *logrus.Logger, policy Policy, cacheTTL time.Duration, notify func(c *handshake.Client)) *Controller {
	return &Controller{
		logger:    logger,
		policy:    policy,
		decisions: gocache.New(cacheTTL, cacheTTL),
		notify:    notify,
		queued:    make(map[*handshake.Client]struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the decision worker. It returns immediately; the worker
// exits when ctx is canceled.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// AddClient submits a connection for an access decision. The call is
// idempotent: a connection that is already queued, being decided or decided
// is left alone. A cached verdict for the same username/host pair is applied
// synchronously and no notification is sent, since the caller re-reads the
// access state as soon as AddClient returns.
func (c *Controller) AddClient(cl *handshake.Client) {
	switch cl.AccessState() {
	case handshake.AccessInit, handshake.AccessWaiting:
	default:
		return
	}

	if cached, found := c.decisions.Get(decisionKey(cl.Username, cl.HostAddress)); found {
		c.applyDecision(cl, cached.(Decision))
		return
	}

	c.mu.Lock()
	if _, alreadyQueued := c.queued[cl]; alreadyQueued {
		c.mu.Unlock()
		return
	}
	c.queued[cl] = struct{}{}
	c.queue = append(c.queue, cl)
	cl.SetAccessState(handshake.AccessWaiting)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			cl := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			c.decide(cl)
		}
	}
}

func (c *Controller) decide(cl *handshake.Client) {
	cl.SetAccessState(handshake.AccessPending)

	decision := c.policy.Decide(cl.Username, cl.HostAddress)
	c.decisions.Set(decisionKey(cl.Username, cl.HostAddress), decision, gocache.DefaultExpiration)
	c.applyDecision(cl, decision)

	// The queued entry is only released once the decision is applied so
	// that a concurrent AddClient cannot re-enqueue mid-decision.
	c.mu.Lock()
	delete(c.queued, cl)
	c.mu.Unlock()

	c.logger.Infof("access %s for user=%q host=%s", decision, cl.Username, cl.HostAddress)

	if c.notify != nil {
		c.notify(cl)
	}
}

func (c *Controller) applyDecision(cl *handshake.Client, decision Decision) {
	if decision == DecisionGranted {
		cl.SetAccessState(handshake.AccessSuccessful)
	} else {
		cl.SetAccessState(handshake.AccessFailed)
	}
}

func decisionKey(username, host string) string {
	return username + "@" + host
}
