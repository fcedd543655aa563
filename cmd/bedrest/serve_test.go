package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/srg/bedrest/internal/command"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/manager"
	"github.com/srg/bedrest/internal/testutils"
	"github.com/srg/bedrest/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type ServeTestSuite struct {
	CommandTestSuite
	central *testutils.FakeCentral
	app     *app
	cancel  context.CancelFunc
	done    chan error
}

func (s *ServeTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.central = testutils.NewFakeCentral()

	cfg := config.DefaultConfig()
	s.Require().NoError(config.Parse([]byte(testConfig), cfg))
	cfg.Listen = "127.0.0.1:0"
	cfg.MDNS.Enabled = false
	s.Require().NoError(cfg.Validate())

	table, err := cfg.CommandTable()
	s.Require().NoError(err)

	a, err := newApp(cfg, table, func() (device.Central, error) { return s.central, nil }, s.helper.Logger)
	s.Require().NoError(err)
	s.app = a

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- a.run(ctx) }()

	s.Require().Eventually(func() bool { return a.server.Addr() != "" }, waitFor, tick, "HTTP server MUST start")
}

func (s *ServeTestSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err, "run MUST return nil on shutdown")
	case <-time.After(waitFor):
		s.Fail("run MUST return after cancellation")
	}
}

func (s *ServeTestSuite) url(path string) string {
	return "http://" + s.app.server.Addr() + path
}

func (s *ServeTestSuite) post(path string) (int, string) {
	resp, err := http.Post(s.url(path), "application/json", nil)
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(body)
}

func (s *ServeTestSuite) bringUp() {
	s.Require().Eventually(s.central.IsScanning, waitFor, tick, "manager MUST start scanning")
	s.central.Advertise(aliceAddr)
	s.central.Advertise(bobAddr)
	s.Require().Eventually(func() bool { return s.app.manager.State() == manager.Steady }, waitFor, tick,
		"manager MUST reach steady state")
}

func (s *ServeTestSuite) TestNotConnectedBeforeBedsFound() {
	// GOAL: Verify commands are refused while the beds are still being discovered
	//
	// TEST SCENARIO: only alice advertised → alice tracked but unconnected → POST flat → 200 "Not connected"

	s.Require().Eventually(s.central.IsScanning, waitFor, tick)
	s.central.Advertise(aliceAddr)
	s.Require().Eventually(func() bool {
		_, ok := s.app.registry.LookupByLabel("alice")
		return ok
	}, waitFor, tick, "alice MUST be tracked once seen")

	status, body := s.post("/bed/alice/flat")
	s.Equal(http.StatusOK, status)
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"success": false, "error": "Not connected"}`)
}

func (s *ServeTestSuite) TestCommandReachesBed() {
	// GOAL: Verify the full path from HTTP request to characteristic write
	//
	// TEST SCENARIO: both beds connect → POST flat and headposition → payloads written to alice only

	s.bringUp()

	status, body := s.post("/bed/alice/flat")
	s.Equal(http.StatusOK, status)
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"cmd": "flat", "success": true}`)

	status, body = s.post("/bed/alice/headposition/32")
	s.Equal(http.StatusOK, status)
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"cmd": "headposition", "success": true}`)

	writes := s.central.LastLink(aliceAddr).Characteristic().Writes()
	s.Require().Len(writes, 2)
	s.Equal("550550", command.FormatHex(writes[0]))
	s.Equal("55513200", command.FormatHex(writes[1]))
	s.Empty(s.central.LastLink(bobAddr).Characteristic().Writes(), "bob MUST NOT receive alice's commands")

	status, body = s.post("/bed/carol/flat")
	s.Equal(http.StatusNotFound, status)
	s.Contains(body, "Invalid command, you requested: /bed/carol/flat")
}

func (s *ServeTestSuite) TestStatusReportsSteady() {
	s.bringUp()

	resp, err := http.Get(s.url("/status"))
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))
	s.NotEmpty(resp.Header.Get("X-Request-ID"))
	testutils.NewJSONAsserter(s.T()).Assert(string(body), `{"state": "steady"}`)
}

func (s *ServeTestSuite) TestShutdownClosesAdapter() {
	s.bringUp()
	alice := s.central.LastLink(aliceAddr)

	s.cancel()
	select {
	case err := <-s.done:
		s.NoError(err)
	case <-time.After(waitFor):
		s.FailNow("run MUST return after cancellation")
	}
	// TearDownTest expects a value on done
	s.done <- nil

	s.True(alice.IsClosed(), "links MUST be closed on shutdown")
	s.True(s.central.IsClosed(), "adapter MUST be closed on shutdown")

	_, err := http.Post(s.url("/bed/alice/flat"), "application/json", nil)
	s.Error(err, "HTTP server MUST stop accepting requests")
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}

type ServeCommandTestSuite struct {
	CommandTestSuite
}

func (s *ServeCommandTestSuite) TestServe_RejectsInvalidConfig() {
	// GOAL: Verify serve refuses to start without beds and reports every problem
	//
	// TEST SCENARIO: config without beds and with a bad command → ErrInvalidConfig listing both

	path := s.WriteConfig("commands:\n  nap: zz\n")

	_, err := s.ExecuteCommand("serve", "--config", path)
	s.Require().Error(err)
	s.ErrorIs(err, ErrInvalidConfig)

	msg := FormatUserError(err)
	s.True(strings.HasPrefix(msg, "invalid configuration:"), msg)
	s.Contains(msg, "at least one bed must be configured")
	s.Contains(msg, "commands.nap")
}

func (s *ServeCommandTestSuite) TestServe_MissingConfigFile() {
	_, err := s.ExecuteCommand("serve", "--config", "/nonexistent/bedrest.yaml")
	s.Require().Error(err)
	s.ErrorIs(err, ErrInvalidConfig)
	s.Contains(err.Error(), "failed to read config")
}

func (s *ServeCommandTestSuite) TestServe_InvalidLogLevel() {
	_, err := s.ExecuteCommand("serve", "--config", s.WriteConfig(testConfig), "--log-level", "loud")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level")
}

func TestServeCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ServeCommandTestSuite))
}

func TestManagerOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := config.Parse([]byte(testConfig), cfg); err != nil {
		t.Fatal(err)
	}

	opts := managerOptions(cfg)

	want := []manager.Bed{{Address: aliceAddr, Label: "alice"}, {Address: bobAddr, Label: "bob"}}
	if len(opts.Beds) != len(want) {
		t.Fatalf("beds = %v, want %v", opts.Beds, want)
	}
	for i := range want {
		if opts.Beds[i] != want[i] {
			t.Errorf("beds[%d] = %v, want %v", i, opts.Beds[i], want[i])
		}
	}
	if opts.Retry.MaxAttempts != cfg.Retry.MaxAttempts || opts.ConnectTimeout != cfg.ConnectTimeout {
		t.Errorf("timeouts and retry policy MUST come from config: %+v", opts)
	}
}
