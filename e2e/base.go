package e2e

import (
	"chat-relay/client"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"
)

type BaseRelaySuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.RelayAddr == "" {
		s.T().Skip("RELAY_ADDR is not set")
	}
}

// Step prints a colorized header so scenario steps stand out in logs
func (s *BaseRelaySuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Login connects a fresh user. Names get a random suffix so scenarios
// can run repeatedly against the same relay.
func (s *BaseRelaySuite) Login(prefix string) (*client.Client, string) {
	username := fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.Timeout)
	defer cancel()

	c, err := client.Dial(ctx, s.Config.RelayAddr)
	s.Require().NoError(err, "Failed to connect to relay at "+s.Config.RelayAddr)
	s.T().Cleanup(func() { _ = c.Close() })
	s.Require().NoError(c.Auth(username, s.Config.Timeout))
	return c, username
}

// Expect reads the next frame and checks its type
func (s *BaseRelaySuite) Expect(c *client.Client, kind string) client.Received {
	ev, err := c.Next(s.Config.Timeout)
	s.Require().NoError(err)
	s.Require().Equal(kind, ev.Type, "unexpected frame %+v", ev.Event)
	if s.Config.Colours {
		s.T().Log(color.FgCyan.Render(fmt.Sprintf("<- %s %s%s", ev.Type, ev.Message, ev.Text)))
	}
	return ev
}
