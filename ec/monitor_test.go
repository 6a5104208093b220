package ec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iwtcode/eliteAdapter/ec/model"
	"github.com/iwtcode/eliteAdapter/internal/fakerobot"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPoller struct {
	polls atomic.Int32
	err   error
}

func (p *stubPoller) Poll(ctx context.Context) (*models.Snapshot, error) {
	n := p.polls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &models.Snapshot{RobotID: "stub", State: model.RobotState(n % 2).String()}, nil
}

func TestMonitorStartStop(t *testing.T) {
	p := &stubPoller{}
	entry, _ := nullLogger()
	m := NewMonitor(p, 5*time.Millisecond, entry, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	require.Eventually(t, func() bool { return p.polls.Load() >= 3 }, time.Second, time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	after := p.polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, p.polls.Load(), "опрос продолжился после Stop")
	assert.NotNil(t, m.Latest())
}

func TestMonitorStopWithoutStart(t *testing.T) {
	m := NewMonitor(&stubPoller{}, time.Millisecond, nil, nil)
	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
	assert.Nil(t, m.Latest())
}

func TestMonitorDoubleStart(t *testing.T) {
	entry, _ := nullLogger()
	m := NewMonitor(&stubPoller{}, time.Millisecond, entry, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.ErrorIs(t, m.Start(context.Background()), ErrMonitorRunning)
}

func TestMonitorRestart(t *testing.T) {
	p := &stubPoller{}
	entry, _ := nullLogger()
	m := NewMonitor(p, time.Millisecond, entry, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Start(context.Background()))
		m.Stop()
	}
	assert.False(t, m.Running())
	assert.GreaterOrEqual(t, p.polls.Load(), int32(3))
}

func TestMonitorStopsOnContextCancel(t *testing.T) {
	entry, _ := nullLogger()
	m := NewMonitor(&stubPoller{}, time.Millisecond, entry, nil)

	assert.Nil(t, m.Done())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	done := m.Done()
	require.NotNil(t, done)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("горутина опроса не завершилась после отмены контекста")
	}
	assert.False(t, m.Running())
	m.Stop()
}

func TestMonitorContinuesOnRecoverableError(t *testing.T) {
	p := &stubPoller{err: &ProtocolError{Kind: PeerError, Method: "getRobotMode", Message: "busy"}}
	entry, _ := nullLogger()

	var mu sync.Mutex
	var errs []error
	m := NewMonitor(p, time.Millisecond, entry, func(s *models.Snapshot, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return p.polls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, m.Running())
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, errs)
	assert.Error(t, errs[0])
	assert.Nil(t, m.Latest())
}

func TestMonitorStopsOnFatalError(t *testing.T) {
	p := &stubPoller{err: &IOError{Method: "getRobotMode", Err: errors.New("reset")}}
	entry, _ := nullLogger()
	m := NewMonitor(p, time.Millisecond, entry, nil)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), p.polls.Load())
	m.Stop()

	// после остановки по ошибке монитор можно запустить снова
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}

func TestStatusPoller(t *testing.T) {
	s := startServer(t)
	r := fakerobot.NewRobot()
	r.Install(s)
	r.Set(func(r *fakerobot.Robot) {
		r.State = model.StateEstop
		r.ServoOn = true
	})
	c := dialChannel(t, s, time.Second)

	snap, err := NewStatusPoller(c, "10.0.0.5").Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", snap.RobotID)
	assert.Equal(t, model.ModeRemote.String(), snap.Mode)
	assert.Equal(t, model.StateEstop.String(), snap.State)
	assert.True(t, snap.ServoOn)
	assert.True(t, snap.MotorSynced)
	assert.True(t, snap.IsEmergency)
	assert.False(t, snap.HasAlarm)
	assert.False(t, snap.Timestamp.IsZero())
	assert.Equal(t, []string{"getRobotMode", "getRobotState", "getServoStatus", "getMotorStatus"}, s.Methods())
}

func TestMonitorSharesChannelWithForegroundCommands(t *testing.T) {
	s := startServer(t)
	r := fakerobot.NewRobot()
	r.Install(s)
	s.SetDelay(time.Millisecond)
	c := dialChannel(t, s, time.Second)

	var snapshots atomic.Int32
	entry, _ := nullLogger()
	m := NewMonitor(NewStatusPoller(c, c.IP()), time.Millisecond, entry, func(s *models.Snapshot, err error) {
		if err == nil {
			snapshots.Add(1)
		}
	})
	require.NoError(t, m.Start(context.Background()))
	for i := 0; i < 10; i++ {
		on, err := Call[bool](context.Background(), c, "getServoStatus", nil)
		require.NoError(t, err)
		assert.False(t, on)
	}
	require.Eventually(t, func() bool { return snapshots.Load() >= 2 }, time.Second, time.Millisecond)
	m.Stop()

	assert.Equal(t, 0, s.Violations())
}

func TestMonitorStopsWhenChannelDrops(t *testing.T) {
	s := startServer(t)
	r := fakerobot.NewRobot()
	r.Install(s)
	c := dialChannel(t, s, time.Second)

	var gotFatal atomic.Bool
	entry, _ := nullLogger()
	m := NewMonitor(NewStatusPoller(c, c.IP()), 5*time.Millisecond, entry, func(_ *models.Snapshot, err error) {
		if IsFatal(err) {
			gotFatal.Store(true)
		}
	})
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.Latest() != nil }, time.Second, time.Millisecond)

	s.DropNext()
	require.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)
	assert.True(t, gotFatal.Load())
	assert.False(t, c.Connected())
	m.Stop()
}
