package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/devicefactory"
	"github.com/srg/bedrest/internal/testutils"
	"github.com/srg/bedrest/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func testBeds(t *testing.T) *config.Beds {
	t.Helper()
	beds := config.NewBeds()
	require.NoError(t, beds.Add(aliceAddr, "alice"))
	require.NoError(t, beds.Add(bobAddr, "bob"))
	return beds
}

// advertiseWhileScanning keeps pushing adv until the fake reports a running scan and accepts it.
func advertiseWhileScanning(ctx context.Context, central *testutils.FakeCentral, adv device.Advertisement) {
	for {
		if central.AdvertiseWith(adv) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWriteScanReport(t *testing.T) {
	// GOAL: Verify the report marks configured, unknown and missing beds
	//
	// TEST SCENARIO: alice seen, a stranger seen, bob never seen → three rows and a summary

	restore := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = restore }()

	seen := []device.Advertisement{
		{Address: aliceAddr, LocalName: "bed", RSSI: -55},
		{Address: "aa:bb:cc:dd:ee:ff", RSSI: -70},
	}

	var buf bytes.Buffer
	require.NoError(t, writeScanReport(&buf, seen, testBeds(t)))

	testutils.NewTextAsserter(t).Assert(buf.String(), `
ADDRESS            NAME  RSSI  BED
00:01:02:03:04:05  bed   -55   alice
aa:bb:cc:dd:ee:ff  -     -70   not configured
00:01:02:03:04:06  -     -     bob (not seen)

2 advertiser(s), 1 of 2 configured bed(s) seen
`)
}

func TestCollectAdvertisements(t *testing.T) {
	// GOAL: Verify repeated advertisements collapse to the latest one per normalised address
	//
	// TEST SCENARIO: same bed advertises twice plus one other bed → two entries, sorted, latest kept

	central := testutils.NewFakeCentral()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		advertiseWhileScanning(ctx, central, device.Advertisement{Address: "00:01:02:03:04:06", RSSI: -80})
		advertiseWhileScanning(ctx, central, device.Advertisement{Address: "00:01:02:03:04:05", RSSI: -70})
		advertiseWhileScanning(ctx, central, device.Advertisement{Address: "00:01:02:03:04:05", RSSI: -50, LocalName: "bed"})
	}()

	// Wide window so the goroutine delivers everything before the scan ends
	seen, err := collectAdvertisements(ctx, central, testutils.BedServiceUUID, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, seen, 2, "MUST keep one entry per address")

	assert.Equal(t, "00:01:02:03:04:05", seen[0].Address)
	assert.Equal(t, -50, seen[0].RSSI, "MUST keep the latest advertisement")
	assert.Equal(t, "bed", seen[0].LocalName)
	assert.Equal(t, "00:01:02:03:04:06", seen[1].Address)
	assert.False(t, central.IsScanning(), "scan MUST stop when the window closes")
}

func TestCollectAdvertisements_UppercaseAddress(t *testing.T) {
	central := testutils.NewFakeCentral()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go advertiseWhileScanning(ctx, central, device.Advertisement{Address: "AA:BB:CC:DD:EE:FF", RSSI: -60})

	seen, err := collectAdvertisements(ctx, central, "", 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", seen[0].Address)
}

func TestCollectAdvertisements_ScanError(t *testing.T) {
	central := testutils.NewFakeCentral()
	central.FailNextScan(device.ErrBluetoothOff)

	_, err := collectAdvertisements(context.Background(), central, "", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrBluetoothOff))
}

type ScanCommandTestSuite struct {
	CommandTestSuite
	central  *testutils.FakeCentral
	original func(*logrus.Logger) (device.Central, error)
}

func (s *ScanCommandTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.central = testutils.NewFakeCentral()
	s.original = devicefactory.CentralFactory
	devicefactory.CentralFactory = func(*logrus.Logger) (device.Central, error) {
		return s.central, nil
	}
}

func (s *ScanCommandTestSuite) TearDownTest() {
	devicefactory.CentralFactory = s.original
	_ = scanCmd.Flags().Set("duration", "10s")
	_ = scanCmd.Flags().Set("all", "false")
}

func (s *ScanCommandTestSuite) TestScan_ReportsConfiguredBeds() {
	// GOAL: Verify `bedrest scan` opens the adapter, prints the report and closes the adapter
	//
	// TEST SCENARIO: alice advertises during a short scan → alice listed, bob "not seen"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go advertiseWhileScanning(ctx, s.central, device.Advertisement{Address: aliceAddr, LocalName: "bed", RSSI: -55})

	out, err := s.ExecuteCommand("scan", "--config", s.WriteConfig(testConfig), "--duration", "300ms")
	s.Require().NoError(err)

	s.Contains(out, "Scanning for 300ms...")
	s.Contains(out, "alice")
	s.Contains(out, "bob (not seen)")
	s.Contains(out, "1 of 2 configured bed(s) seen")
	s.True(s.central.IsClosed(), "adapter MUST be closed after the scan")
}

func (s *ScanCommandTestSuite) TestScan_InvalidDuration() {
	_, err := s.ExecuteCommand("scan", "--duration", "0s")
	s.Require().Error(err)
	s.Contains(err.Error(), "must be positive")
}

func (s *ScanCommandTestSuite) TestScan_AdapterUnavailable() {
	devicefactory.CentralFactory = func(*logrus.Logger) (device.Central, error) {
		return nil, device.ErrBluetoothOff
	}

	_, err := s.ExecuteCommand("scan", "--config", s.WriteConfig(testConfig), "--duration", "100ms")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Equal("Bluetooth is off or the adapter is unavailable; enable it and try again", FormatUserError(err))
}

func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}
