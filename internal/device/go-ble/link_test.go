package goble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/session"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testServiceUUID = "1b1d9641b9424da889cc98e6a58fbd93"
	testCharUUID    = "6af87926dc79412ea3e05f85c2d55de2"
)

type mockGATTClient struct {
	mock.Mock
}

func (m *mockGATTClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	services, _ := args.Get(0).([]*ble.Service)
	return services, args.Error(1)
}

func (m *mockGATTClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *mockGATTClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockGATTClient) CancelConnection() error {
	return m.Called().Error(0)
}

// notifyingClient adds the Disconnected channel go-ble clients expose.
type notifyingClient struct {
	*mockGATTClient
	disconnected chan struct{}
}

func (n *notifyingClient) Disconnected() <-chan struct{} {
	return n.disconnected
}

type LinkTestSuite struct {
	suite.Suite
	logger  *logrus.Logger
	client  *mockGATTClient
	service *ble.Service
	char    *ble.Characteristic
}

func (suite *LinkTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.PanicLevel)
	suite.client = &mockGATTClient{}
	suite.service = &ble.Service{UUID: ble.MustParse(testServiceUUID)}
	suite.char = &ble.Characteristic{UUID: ble.MustParse(testCharUUID)}
}

func (suite *LinkTestSuite) TearDownTest() {
	suite.client.AssertExpectations(suite.T())
}

func (suite *LinkTestSuite) expectDiscovery(services []*ble.Service, chars []*ble.Characteristic) {
	suite.client.On("DiscoverServices", mock.Anything).Return(services, nil).Once()
	if chars != nil {
		suite.client.On("DiscoverCharacteristics", mock.Anything, suite.service).Return(chars, nil).Once()
	}
}

func (suite *LinkTestSuite) TestDiscoverAndWrite() {
	// GOAL: Verify a discovered characteristic issues write-without-response with the exact payload
	//
	// TEST SCENARIO: One service, one characteristic → discover → write → client sees noRsp write

	suite.expectDiscovery([]*ble.Service{suite.service}, []*ble.Characteristic{suite.char})
	suite.client.On("WriteCharacteristic", suite.char, []byte{0x55, 0x15, 0x40}, true).Return(nil).Once()

	link := newLink("00:01:02:03:04:06", suite.client, suite.logger)
	char, err := link.DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
	suite.Require().NoError(err)
	suite.Equal(testCharUUID, char.UUID())

	err = char.WriteWithoutResponse(context.Background(), []byte{0x55, 0x15, 0x40})
	suite.NoError(err, "write MUST succeed")
}

func (suite *LinkTestSuite) TestDiscover_Cardinality() {
	// GOAL: Verify anything other than exactly one service and one characteristic fails discovery
	//
	// TEST SCENARIO: zero services / two characteristics → DiscoveryError with the observed count

	suite.Run("no service", func() {
		client := &mockGATTClient{}
		client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{}, nil).Once()

		_, err := newLink("a", client, suite.logger).DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
		var derr *device.DiscoveryError
		suite.Require().ErrorAs(err, &derr)
		suite.Equal("service", derr.Resource)
		suite.Equal(0, derr.Count)
		client.AssertExpectations(suite.T())
	})

	suite.Run("duplicate characteristic", func() {
		client := &mockGATTClient{}
		client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{suite.service}, nil).Once()
		client.On("DiscoverCharacteristics", mock.Anything, suite.service).
			Return([]*ble.Characteristic{suite.char, {UUID: ble.MustParse(testCharUUID)}}, nil).Once()

		_, err := newLink("a", client, suite.logger).DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
		var derr *device.DiscoveryError
		suite.Require().ErrorAs(err, &derr)
		suite.Equal("characteristic", derr.Resource)
		suite.Equal(2, derr.Count)
		client.AssertExpectations(suite.T())
	})

	suite.Run("foreign service filtered out", func() {
		client := &mockGATTClient{}
		client.On("DiscoverServices", mock.Anything).
			Return([]*ble.Service{{UUID: ble.MustParse("180f")}}, nil).Once()

		_, err := newLink("a", client, suite.logger).DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
		suite.ErrorIs(err, &device.NotFoundError{}, "a non-matching service MUST count as not found")
		client.AssertExpectations(suite.T())
	})
}

func (suite *LinkTestSuite) TestDiscover_Timeout() {
	// GOAL: Verify a hung peripheral cannot stall discovery past its deadline
	//
	// TEST SCENARIO: DiscoverServices blocks → ctx deadline expires → ErrTimeout returned

	release := make(chan struct{})
	defer close(release)
	suite.client.On("DiscoverServices", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]*ble.Service{}, nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newLink("a", suite.client, suite.logger).DiscoverCharacteristic(ctx, testServiceUUID, testCharUUID)
	suite.ErrorIs(err, device.ErrTimeout)
	suite.Less(time.Since(start), time.Second, "discovery MUST return at the deadline")
}

func (suite *LinkTestSuite) TestDisconnectedNotification() {
	// GOAL: Verify link loss reported by the BLE stack surfaces on Disconnected and blocks writes
	//
	// TEST SCENARIO: discover → stack closes its channel → Disconnected closes → write fails NotConnected

	suite.expectDiscovery([]*ble.Service{suite.service}, []*ble.Characteristic{suite.char})
	client := &notifyingClient{mockGATTClient: suite.client, disconnected: make(chan struct{})}

	link := newLink("a", client, suite.logger)
	char, err := link.DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
	suite.Require().NoError(err)

	close(client.disconnected)
	select {
	case <-link.Disconnected():
	case <-time.After(time.Second):
		suite.Fail("Disconnected MUST close after the stack reports link loss")
	}

	err = char.WriteWithoutResponse(context.Background(), []byte{0x55})
	suite.ErrorIs(err, device.ErrNotConnected)
}

func (suite *LinkTestSuite) TestClose_Idempotent() {
	suite.client.On("CancelConnection").Return(nil).Once()

	link := newLink("a", suite.client, suite.logger)
	suite.NoError(link.Close())
	suite.NoError(link.Close(), "second Close MUST be a no-op")

	select {
	case <-link.Disconnected():
	default:
		suite.Fail("Close MUST close the Disconnected channel")
	}
}

func (suite *LinkTestSuite) TestWrite_TransportError() {
	suite.expectDiscovery([]*ble.Service{suite.service}, []*ble.Characteristic{suite.char})
	suite.client.On("WriteCharacteristic", suite.char, mock.Anything, true).Return(errors.New("att: write failed")).Once()

	link := newLink("a", suite.client, suite.logger)
	char, err := link.DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
	suite.Require().NoError(err)

	err = char.WriteWithoutResponse(context.Background(), []byte{0x55})
	suite.ErrorContains(err, "att: write failed")
}

func (suite *LinkTestSuite) TestWrite_TimedOutWriteKeepsLinkBusy() {
	// GOAL: Verify a write abandoned on timeout still blocks the next go-ble write on the same link
	//
	// TEST SCENARIO: client write hangs → three session writes with 20ms deadlines all time out →
	// client saw one call, never two at once → client returns → next write goes through

	suite.expectDiscovery([]*ble.Service{suite.service}, []*ble.Characteristic{suite.char})

	var active, maxActive atomic.Int32
	release := make(chan struct{})
	suite.client.On("WriteCharacteristic", suite.char, mock.Anything, true).
		Run(func(mock.Arguments) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			<-release
			active.Add(-1)
		}).
		Return(nil).Once()

	link := newLink("00:01:02:03:04:06", suite.client, suite.logger)
	char, err := link.DiscoverCharacteristic(context.Background(), testServiceUUID, testCharUUID)
	suite.Require().NoError(err)

	s := session.New("bob", "00:01:02:03:04:06")
	s.Attach(link)
	s.Ready(char)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := <-s.Write(ctx, []byte{0x55, 0x15, 0x40})
		cancel()
		suite.ErrorIs(err, device.ErrTimeout, "write %d MUST time out while the link is busy", i)
	}
	suite.Equal(int32(1), maxActive.Load(), "go-ble writes MUST NOT overlap on one link")

	suite.client.On("WriteCharacteristic", suite.char, []byte{0x55, 0x05, 0x50}, true).Return(nil).Once()
	close(release)

	suite.Eventually(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		return <-s.Write(ctx, []byte{0x55, 0x05, 0x50}) == nil
	}, time.Second, 5*time.Millisecond, "link MUST accept writes once the hung write returns")
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}
