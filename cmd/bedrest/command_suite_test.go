package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/srg/bedrest/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test bed addresses shared by the command suites
const (
	aliceAddr = "00:01:02:03:04:05"
	bobAddr   = "00:01:02:03:04:06"
)

// testConfig is a minimal configuration naming two beds and one extra command.
const testConfig = `
beds:
  "00:01:02:03:04:05": alice
  "00:01:02:03:04:06": bob
service_uuid: ` + testutils.BedServiceUUID + `
characteristic_uuid: ` + testutils.BedCharacteristicUUID + `
commands:
  nap: "55AA01"
`

// CommandTestSuite runs the root command in-process and captures its output.
type CommandTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	color.NoColor = true
}

// WriteConfig stores content in a temp file and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "bedrest.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ExecuteCommand runs rootCmd with args, returns output and error.
// Persistent flags are reset afterwards so runs do not leak into each other.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		_ = rootCmd.PersistentFlags().Set("config", "")
		_ = rootCmd.PersistentFlags().Set("log-level", "")
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}
