package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/vigil-remote/vigil/internal/handshake"
	"github.com/vigil-remote/vigil/internal/proto"
)

// TokenBackend authenticates against single-use tokens issued out of band
// (e.g. handed to a supervising process that spawns the client). Tokens
// expire on their own if never redeemed.
type TokenBackend struct {
	logger *logrus.Logger
	tokens *gocache.Cache
}

func NewTokenBackend(logger *logrus.Logger, ttl time.Duration) *TokenBackend {
	return &TokenBackend{
		logger: logger,
		tokens: gocache.New(ttl, ttl),
	}
}

func (b *TokenBackend) Method() proto.AuthMethod { return proto.AuthToken }

// Issue generates a fresh single-use token valid for the backend's TTL.
func (b *TokenBackend) Issue() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	token := hex.EncodeToString(raw)
	b.tokens.Set(token, struct{}{}, gocache.DefaultExpiration)
	return token, nil
}

func (b *TokenBackend) ProcessMessage(c *handshake.Client, msg *proto.VariantMessage) error {
	if msg.Len() == 0 {
		return nil
	}

	token, err := msg.ReadString()
	if err != nil {
		c.SetAuthState(handshake.AuthFinishedFail)
		return err
	}

	if _, found := b.tokens.Get(token); !found {
		b.logger.Infof("rejected token from %s", c.HostAddress)
		c.SetAuthState(handshake.AuthFinishedFail)
		return ErrInvalidToken
	}

	// Tokens are strictly single-use.
	b.tokens.Delete(token)
	c.SetAuthState(handshake.AuthFinishedSuccess)
	return nil
}
