package elite

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iwtcode/eliteAdapter/ec"
	"github.com/iwtcode/eliteAdapter/ec/model"
	"github.com/iwtcode/eliteAdapter/internal/fakerobot"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T, mutate ...func(*Config)) (*Client, *fakerobot.Server, *fakerobot.Robot) {
	t.Helper()
	s, err := fakerobot.Start()
	require.NoError(t, err, "Не удалось запустить тестовый контроллер")
	t.Cleanup(func() { s.Close() })
	r := fakerobot.NewRobot()
	r.Install(s)

	cfg := Default()
	cfg.IP = s.Host()
	cfg.Port = s.Port()
	cfg.Name = "test-cell"
	cfg.LogLevel = "off"
	cfg.MonitorIntervalMs = 5
	for _, fn := range mutate {
		fn(cfg)
	}

	c, err := New(context.Background(), cfg, WithRecoveryTiming(ec.RecoveryTiming{}))
	require.NoError(t, err, "Не удалось создать клиент")
	require.NotNil(t, c, "Клиент не должен быть nil")
	t.Cleanup(c.Close)
	return c, s, r
}

func logAsJSON(t *testing.T, name string, data interface{}) {
	t.Helper()
	jsonData, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err, "Ошибка маршалинга JSON для %s", name)
	log.Printf("--- %s ---\n%s", name, string(jsonData))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Port = -1
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewConnectError(t *testing.T) {
	s, err := fakerobot.Start()
	require.NoError(t, err)
	cfg := Default()
	cfg.IP = s.Host()
	cfg.Port = s.Port()
	cfg.LogLevel = "off"
	require.NoError(t, s.Close())

	_, err = New(context.Background(), cfg)
	var cerr *ec.ConnectError
	require.ErrorAs(t, err, &cerr)
}

func TestClientString(t *testing.T) {
	c, _, _ := setupTest(t)
	assert.Equal(t, "Elite EC, IP:127.0.0.1, Name:test-cell", c.String())

	c.Channel().Disconnect()
	assert.Equal(t, "Elite EC__, IP:127.0.0.1, Name:test-cell", c.String())
}

func TestTypedQueries(t *testing.T) {
	c, s, r := setupTest(t)
	r.Set(func(r *fakerobot.Robot) { r.Estop = true })
	ctx := context.Background()

	mode, err := c.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ModeRemote, mode)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStop, state)

	estop, err := c.EstopStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, estop)

	ok, err := c.SetServoStatus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	on, err := c.ServoStatus(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	synced, err := c.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, synced)
	ok, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ClearAlarm(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CalibrateEncoderZero(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{
		"getRobotMode", "getRobotState", "get_estop_status", "set_servo_status", "getServoStatus",
		"getMotorStatus", "syncMotorStatus", "clearAlarm", "calibrate_encoder_zero_position",
	}, s.Methods())
	assert.Equal(t, int64(9), c.Info().UseCount)
}

func TestModeRejectsUnknownValue(t *testing.T) {
	c, s, _ := setupTest(t)
	s.Reply("getRobotMode", 9)

	_, err := c.Mode(context.Background())
	require.Error(t, err)
}

func TestSendRawCommand(t *testing.T) {
	c, s, _ := setupTest(t)
	s.Reply("getRobotPose", []float64{0, 0, 0, 0, 0, 0})

	raw, err := c.Send(context.Background(), "getRobotPose", map[string]any{"coordinate_num": -1}, ec.WithID(3))
	require.NoError(t, err)
	assert.JSONEq(t, `[0,0,0,0,0,0]`, string(raw))
	assert.Equal(t, 3, s.Calls()[0].ID)
}

func TestWaitStop(t *testing.T) {
	c, _, r := setupTest(t)
	r.Set(func(r *fakerobot.Robot) { r.State = model.StatePlay })

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Set(func(r *fakerobot.Robot) { r.State = model.StatePause })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitStop(ctx))
	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatePause, state)
}

func TestWaitStopCancelled(t *testing.T) {
	c, _, r := setupTest(t)
	r.Set(func(r *fakerobot.Robot) { r.State = model.StatePlay })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitStop(ctx), context.DeadlineExceeded)
}

func TestClientServoOn(t *testing.T) {
	c, s, r := setupTest(t)
	r.Set(func(r *fakerobot.Robot) {
		r.State = model.StateError
		r.ClearAlarmAfter = 2
		r.Synced = false
	})
	ok, err := c.PassThrough().Init(context.Background(), 400, 0.01, 0.5)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := c.ServoOn(context.Background(), 0)
	require.NoError(t, err)
	logAsJSON(t, "RecoveryReport", report)
	assert.True(t, report.ServoOn)
	assert.True(t, report.PassThroughCleared)
	assert.Equal(t, "127.0.0.1", report.RobotID)
	assert.Equal(t, 1, s.CallCount("syncMotorStatus"))
	assert.False(t, c.PassThrough().Active())
}

func TestClientServoOnFailure(t *testing.T) {
	c, s, r := setupTest(t, func(cfg *Config) { cfg.ServoRetries = 2 })
	r.Set(func(r *fakerobot.Robot) { r.ServoOnAfter = -1 })

	report, err := c.ServoOn(context.Background(), 0)
	var rerr *ec.RecoveryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ec.ReasonServoStatus, report.Reason)
	assert.Equal(t, 2, s.CallCount("set_servo_status"))
}

func TestClientMonitor(t *testing.T) {
	c, _, _ := setupTest(t)

	_, err := c.LatestSnapshot()
	require.Error(t, err)

	var mu sync.Mutex
	var got []*models.Snapshot
	handler := func(s *models.Snapshot, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}
	require.NoError(t, c.StartMonitor(context.Background(), handler))
	require.ErrorIs(t, c.StartMonitor(context.Background(), handler), ec.ErrMonitorRunning)

	// команды переднего плана идут вперемешку с опросом
	for i := 0; i < 5; i++ {
		_, err := c.ServoStatus(context.Background())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, time.Second, time.Millisecond)
	c.StopMonitor()
	c.StopMonitor()

	snap, err := c.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", snap.RobotID)
	assert.Equal(t, model.ModeRemote.String(), snap.Mode)
}

func TestClientDedicatedMonitor(t *testing.T) {
	c, s, _ := setupTest(t, func(cfg *Config) { cfg.MonitorDedicated = true })

	require.NoError(t, c.StartMonitor(context.Background(), nil))
	require.Eventually(t, func() bool {
		_, err := c.LatestSnapshot()
		return err == nil
	}, time.Second, time.Millisecond)

	// разрыв основного соединения не останавливает опрос по отдельному
	c.Channel().Disconnect()
	before := s.CallCount("getRobotMode")
	require.Eventually(t, func() bool { return s.CallCount("getRobotMode") > before+2 }, time.Second, time.Millisecond)

	c.StopMonitor()
	assert.Equal(t, 0, s.Violations())
}

func TestClientDedicatedMonitorRestart(t *testing.T) {
	c, _, _ := setupTest(t, func(cfg *Config) { cfg.MonitorDedicated = true })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.StartMonitor(ctx, nil))
	c.mu.Lock()
	first := c.monitorChannel
	c.mu.Unlock()
	require.NotNil(t, first)
	require.True(t, first.Connected())

	// опрос завершился сам: его соединение закрывается без StopMonitor
	cancel()
	require.Eventually(t, func() bool { return !first.Connected() }, time.Second, time.Millisecond)

	require.NoError(t, c.StartMonitor(context.Background(), nil))
	c.mu.Lock()
	second := c.monitorChannel
	c.mu.Unlock()
	require.NotSame(t, first, second)
	require.True(t, second.Connected())

	c.StopMonitor()
	assert.False(t, first.Connected())
	assert.False(t, second.Connected())
	assert.True(t, c.Channel().Connected())
}

func TestClientDedicatedMonitorClosedOnFatalError(t *testing.T) {
	c, s, _ := setupTest(t, func(cfg *Config) { cfg.MonitorDedicated = true })

	var mu sync.Mutex
	var fatal error
	s.DropNext()
	require.NoError(t, c.StartMonitor(context.Background(), func(_ *models.Snapshot, err error) {
		if ec.IsFatal(err) {
			mu.Lock()
			fatal = err
			mu.Unlock()
		}
	}))
	c.mu.Lock()
	dedicated := c.monitorChannel
	c.mu.Unlock()

	require.Eventually(t, func() bool { return !dedicated.Connected() }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Error(t, fatal)
	mu.Unlock()
	c.StopMonitor()
	assert.True(t, c.Channel().Connected())
}

func TestClientReconnect(t *testing.T) {
	c, s, _ := setupTest(t)

	s.DropNext()
	_, err := c.Mode(context.Background())
	require.True(t, ec.IsFatal(err))

	_, err = c.Mode(context.Background())
	require.ErrorIs(t, err, ec.ErrNotConnected)

	require.NoError(t, c.Reconnect(context.Background()))
	mode, err := c.Mode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ModeRemote, mode)
}

func TestClientMetrics(t *testing.T) {
	s, err := fakerobot.Start()
	require.NoError(t, err)
	defer s.Close()
	fakerobot.NewRobot().Install(s)

	cfg := Default()
	cfg.IP = s.Host()
	cfg.Port = s.Port()
	cfg.LogLevel = "off"

	m := ec.NewMetrics()
	c, err := New(context.Background(), cfg, WithClientMetrics(m))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ServoStatus(context.Background())
	require.NoError(t, err)
	addr := c.Channel().Addr()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Requests.WithLabelValues(addr, "getServoStatus", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connected.WithLabelValues(addr, ec.RoleCommand)))
}

func TestClientDedicatedMonitorMetrics(t *testing.T) {
	s, err := fakerobot.Start()
	require.NoError(t, err)
	defer s.Close()
	fakerobot.NewRobot().Install(s)

	cfg := Default()
	cfg.IP = s.Host()
	cfg.Port = s.Port()
	cfg.LogLevel = "off"
	cfg.MonitorIntervalMs = 5
	cfg.MonitorDedicated = true

	m := ec.NewMetrics()
	c, err := New(context.Background(), cfg, WithClientMetrics(m))
	require.NoError(t, err)
	defer c.Close()
	addr := c.Channel().Addr()

	require.NoError(t, c.StartMonitor(context.Background(), nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connected.WithLabelValues(addr, ec.RoleMonitor)))

	c.StopMonitor()
	assert.True(t, c.Channel().Connected())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connected.WithLabelValues(addr, ec.RoleCommand)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Connected.WithLabelValues(addr, ec.RoleMonitor)))
}

func TestClientLogFile(t *testing.T) {
	s, err := fakerobot.Start()
	require.NoError(t, err)
	defer s.Close()
	fakerobot.NewRobot().Install(s)

	path := filepath.Join(t.TempDir(), "elite.log")
	cfg := Default()
	cfg.IP = s.Host()
	cfg.Port = s.Port()
	cfg.LogLevel = "debug"
	cfg.LogFile = path

	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	c.GetLogger().Info("client started")
	c.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connect success")
	assert.Contains(t, string(data), "client started")
}
