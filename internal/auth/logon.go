package auth

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vigil-remote/vigil/internal/core/data"
	"github.com/vigil-remote/vigil/internal/handshake"
	"github.com/vigil-remote/vigil/internal/proto"
)

// LogonBackend authenticates the username captured during method
// negotiation against the account store. The protocol is a single
// credential round: after the negotiation ack the client sends one variant
// message carrying its password.
type LogonBackend struct {
	logger *logrus.Logger
	db     *gorm.DB
}

func NewLogonBackend(logger *logrus.Logger, db *gorm.DB) *LogonBackend {
	return &LogonBackend{logger: logger, db: db}
}

func (b *LogonBackend) Method() proto.AuthMethod { return proto.AuthLogon }

func (b *LogonBackend) ProcessMessage(c *handshake.Client, msg *proto.VariantMessage) error {
	// The synthetic kickoff message carries no values; the credential
	// round is next.
	if msg.Len() == 0 {
		return nil
	}

	password, err := msg.ReadString()
	if err != nil {
		c.SetAuthState(handshake.AuthFinishedFail)
		return err
	}

	account, err := data.FindAccountByUsername(b.db, c.Username)
	if err != nil {
		b.logger.Warnf("error looking up account %q: %v", c.Username, err)
		c.SetAuthState(handshake.AuthFinishedFail)
		return err
	}

	switch {
	case account == nil || account.Password != HashPassword(password):
		b.logger.Infof("rejected credentials for %q from %s", c.Username, c.HostAddress)
		c.SetAuthState(handshake.AuthFinishedFail)
		return ErrInvalidCredentials
	case account.Banned:
		b.logger.Infof("rejected banned account %q from %s", c.Username, c.HostAddress)
		c.SetAuthState(handshake.AuthFinishedFail)
		return ErrAccountBanned
	}

	c.SetAuthState(handshake.AuthFinishedSuccess)
	return nil
}
