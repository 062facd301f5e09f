package internal

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vigil-remote/vigil/internal/access"
	"github.com/vigil-remote/vigil/internal/auth"
	"github.com/vigil-remote/vigil/internal/core"
	coredebug "github.com/vigil-remote/vigil/internal/core/debug"
	"github.com/vigil-remote/vigil/internal/core/data"
	"github.com/vigil-remote/vigil/internal/metrics"
	"github.com/vigil-remote/vigil/internal/proto"
)

// Controller is the main entrypoint for the server. It's responsible for
// initializing any shared resources (such as database and logging), defining
// the listeners, and launching everything.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	db      *gorm.DB
	servers []*frontend
}

func (c *Controller) Start(ctx context.Context) {
	var err error
	// Set up the logger, which will be used by all components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		fmt.Printf("error initializing logger: %v", err)
		return
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		coredebug.StartPprofServer(c.Config, c.logger)
	}
	if c.Config.Metrics.Enabled {
		metrics.Serve(c.logger, c.Config.Metrics.Port)
	}

	c.db, err = data.Initialize(c.Config.DatabaseURL(), c.Config.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		c.logger.Errorf("error connecting to database: %v", err)
		return
	}
	defer c.Shutdown(ctx)

	sessions := newSessionRegistry()

	accessController := access.NewController(
		c.logger,
		c.accessPolicy(),
		c.Config.AccessControl.CacheTTL,
		sessions.NotifyDecision,
	)
	accessController.Start(ctx)

	authManager, err := c.buildAuthManager()
	if err != nil {
		c.logger.Errorf("error configuring authentication: %v", err)
		return
	}

	serverInit := proto.BuildServerInit(
		uint16(c.Config.Framebuffer.Width),
		uint16(c.Config.Framebuffer.Height),
		proto.DefaultPixelFormat,
		c.Config.Framebuffer.Name,
	)

	// Configure and run all of our listeners.
	c.declareServers(sessions, authManager, accessController, serverInit)
	c.run(ctx)
}

// buildAuthManager assembles the auth manager from the configured method
// list. The none method carries no backend; the handshake short-circuits it.
func (c *Controller) buildAuthManager() (*auth.Manager, error) {
	var (
		methods  []proto.AuthMethod
		backends []auth.Backend
	)

	for _, name := range c.Config.Auth.Methods {
		method, err := parseAuthMethod(name)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)

		switch method {
		case proto.AuthLogon:
			backends = append(backends, auth.NewLogonBackend(c.logger, c.db))
		case proto.AuthToken:
			backends = append(backends, auth.NewTokenBackend(c.logger, c.Config.Auth.TokenTTL))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods configured")
	}

	return auth.NewManager(c.logger, methods, backends...), nil
}

func parseAuthMethod(name string) (proto.AuthMethod, error) {
	switch name {
	case "none":
		return proto.AuthNone, nil
	case "logon":
		return proto.AuthLogon, nil
	case "token":
		return proto.AuthToken, nil
	}
	return 0, fmt.Errorf("unrecognized auth method %q", name)
}

func (c *Controller) accessPolicy() access.Policy {
	switch c.Config.AccessControl.Policy {
	case "reject_all":
		return access.RejectAllPolicy{}
	case "rules":
		return access.RulePolicy{
			AllowedUsers: c.Config.AccessControl.AllowedUsers,
			AllowedHosts: c.Config.AccessControl.AllowedHosts,
		}
	case "accept_all", "":
		return access.AcceptAllPolicy{}
	}

	c.logger.Warnf("unrecognized access policy %q, rejecting all connections",
		c.Config.AccessControl.Policy)
	return access.RejectAllPolicy{}
}

// Set up all of the listeners we want to run.
func (c *Controller) declareServers(
	sessions *sessionRegistry,
	authManager *auth.Manager,
	accessController *access.Controller,
	serverInit []byte,
) {
	c.servers = []*frontend{
		{
			Name:       "RFB",
			Address:    c.buildAddress(c.Config.RFBServer.Port),
			Auth:       authManager,
			Access:     accessController,
			ServerInit: serverInit,
			Sessions:   sessions,
		},
	}

	if c.Config.RFBServer.WebsocketPort != 0 {
		address := c.buildAddress(c.Config.RFBServer.WebsocketPort)
		c.servers = append(c.servers, &frontend{
			Name:       "WEBSOCKET",
			Address:    address,
			Auth:       authManager,
			Access:     accessController,
			ServerInit: serverInit,
			Sessions:   sessions,
			Listen: func() (net.Listener, error) {
				return newWebsocketListener(address, c.logger)
			},
		})
	}
}

func (c *Controller) run(ctx context.Context) {
	// Start all of our listeners. Failure to initialize one of them is
	// considered terminal.
	for _, server := range c.servers {
		server.Config = c.Config
		server.Logger = c.logger

		if err := server.Start(ctx, &c.wg); err != nil {
			c.logger.Errorf("error starting %s server: %v", server.Name, err)
			return
		}
	}

	c.wg.Wait()
}

func (c *Controller) buildAddress(port int) string {
	return fmt.Sprintf("%s:%v", c.Config.Hostname, port)
}

func (c *Controller) Shutdown(ctx context.Context) {
	c.wg.Wait()
	if err := data.Shutdown(c.db); err != nil {
		c.logger.Warnf("error closing database connection: %v", err)
	}
}
