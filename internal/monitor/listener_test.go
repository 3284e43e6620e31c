package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/registry"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

type listenerFixture struct {
	clock    *timeutil.MockClock
	reg      *registry.Registry
	factory  *serialmux.MockSerialPortFactory
	port     *serialmux.TestableSerialPort
	listener *Listener
}

func newListenerFixture(t *testing.T, database *db.DB) *listenerFixture {
	t.Helper()
	t.Cleanup(monitoring.Quiet())

	f := &listenerFixture{
		clock: timeutil.NewMockClock(epoch),
		port:  serialmux.NewTestableSerialPort(),
	}
	f.reg = registry.New(registry.WithClock(f.clock))
	f.factory = serialmux.NewMockSerialPortFactory(f.port)
	f.listener = NewListener(f.factory, f.reg, ListenerOptions{Clock: f.clock, DB: database})
	t.Cleanup(func() { f.listener.Stop() })
	return f
}

// tick advances the clock once the poll loop owning the nth ticker is waiting.
func (f *listenerFixture) tick(t *testing.T, tickers int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.clock.Tickers() >= tickers }, time.Second, time.Millisecond)
	f.clock.Advance(time.Second)
}

func TestListener_StartAndStop(t *testing.T) {
	f := newListenerFixture(t, nil)
	f.port.AddReadData(frameBytes("06:05:04:03:02:01", -59))

	require.NoError(t, f.listener.Start(context.Background(), PortConfig{Path: "/dev/ttyUSB0"}))

	call := f.factory.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyUSB0", call.Path)
	assert.Equal(t, serialmux.DefaultBaudRate, call.Options.BaudRate)

	st := f.listener.Status()
	assert.True(t, st.Listening)
	require.NotNil(t, st.Config)
	assert.Equal(t, "/dev/ttyUSB0", st.Config.Path)

	f.tick(t, 1)
	require.Eventually(t, func() bool { return f.reg.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.listener.Stop())
	assert.True(t, f.port.IsClosed())
	assert.False(t, f.listener.Status().Listening)
	assert.ErrorIs(t, f.listener.Stop(), ErrNotListening)
}

func TestListener_OpenFailure(t *testing.T) {
	f := newListenerFixture(t, nil)
	f.factory.Error = errors.New("no such file or directory")

	err := f.listener.Start(context.Background(), PortConfig{Path: "/dev/missing"})
	require.Error(t, err)

	var poe *serialmux.PortOpenError
	require.ErrorAs(t, err, &poe)
	assert.Equal(t, "/dev/missing", poe.Port)

	st := f.listener.Status()
	assert.False(t, st.Listening)
	assert.Contains(t, st.LastError, "/dev/missing")
	assert.Equal(t, 0, f.clock.Tickers(), "no poll loop may start")
}

func TestListener_InvalidOptions(t *testing.T) {
	f := newListenerFixture(t, nil)

	err := f.listener.Start(context.Background(), PortConfig{
		Path:    "/dev/ttyUSB0",
		Options: serialmux.PortOptions{BaudRate: 12345},
	})

	var poe *serialmux.PortOpenError
	require.ErrorAs(t, err, &poe)
	assert.Equal(t, 12345, poe.BaudRate)
	assert.Nil(t, f.factory.LastCall(), "the port must not be opened")
}

func TestListener_RestartSwitchesPort(t *testing.T) {
	f := newListenerFixture(t, nil)
	require.NoError(t, f.listener.Start(context.Background(), PortConfig{Path: "/dev/ttyUSB0"}))

	second := serialmux.NewTestableSerialPort()
	second.AddReadData(frameBytes("aa:bb:cc:dd:ee:ff", -70))
	f.factory.Port = second

	require.NoError(t, f.listener.Start(context.Background(), PortConfig{
		Path:    "/dev/ttyUSB1",
		Options: serialmux.PortOptions{BaudRate: 9600},
	}))
	assert.True(t, f.port.IsClosed(), "the first port is closed before the second opens")

	st := f.listener.Status()
	require.NotNil(t, st.Config)
	assert.Equal(t, "/dev/ttyUSB1", st.Config.Path)
	assert.Equal(t, 9600, st.Config.Options.BaudRate)

	f.tick(t, 2)
	require.Eventually(t, func() bool { return f.reg.Len() == 1 }, time.Second, time.Millisecond)
	_, err := f.reg.Get("aa:bb:cc:dd:ee:ff")
	assert.NoError(t, err)
}

func TestListener_PortFailureEndsLoop(t *testing.T) {
	f := newListenerFixture(t, nil)
	require.NoError(t, f.listener.Start(context.Background(), PortConfig{Path: "/dev/ttyUSB0"}))
	done := f.listener.Done()
	require.NotNil(t, done)

	f.port.SetReadError(errors.New("device reports readiness to read but returned no data"))
	f.tick(t, 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after a read error")
	}
	assert.True(t, f.port.IsClosed())
	require.Error(t, f.listener.Err())
	assert.Contains(t, f.listener.Status().LastError, "returned no data")
}

func TestListener_ContextCancelStopsLoop(t *testing.T) {
	t.Cleanup(monitoring.Quiet())
	clock := timeutil.NewMockClock(epoch)
	port := serialmux.NewTestableSerialPort()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener(serialmux.NewMockSerialPortFactory(port), registry.New(), ListenerOptions{Context: ctx, Clock: clock})

	require.NoError(t, l.Start(context.Background(), PortConfig{Path: "/dev/ttyUSB0"}))
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	assert.True(t, port.IsClosed())
	assert.NoError(t, l.Err())
}

func TestListener_RecordsSession(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "beacon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := newListenerFixture(t, database)
	f.port.AddReadData(frameBytes("06:05:04:03:02:01", -59))

	require.NoError(t, f.listener.Start(context.Background(), PortConfig{Path: "/dev/ttyUSB0"}))
	session := f.listener.Session()
	require.NotNil(t, session)
	assert.Equal(t, session.ID, f.listener.Status().SessionID)

	f.tick(t, 1)
	require.Eventually(t, func() bool {
		st, err := database.SessionStats(context.Background(), session.ID)
		return err == nil && st.Observations == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.listener.Stop())

	sessions, err := database.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/dev/ttyUSB0", sessions[0].Port)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestListener_RecordExportFollowsSession(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "beacon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	f := newListenerFixture(t, database)

	// Idle listeners drop export records silently.
	require.NoError(t, f.listener.RecordExport(context.Background(), "data.csv", 3, epoch))

	require.NoError(t, f.listener.Start(context.Background(), PortConfig{Path: "/dev/ttyUSB0"}))
	session := f.listener.Session()
	require.NotNil(t, session)
	require.NoError(t, f.listener.RecordExport(context.Background(), "data.csv", 3, epoch))

	st, err := database.SessionStats(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Exports)
}
