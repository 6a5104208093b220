package elite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/iwtcode/eliteAdapter/ec"
	"github.com/iwtcode/eliteAdapter/ec/model"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/sirupsen/logrus"
)

// waitStopInterval - период опроса состояния в WaitStop.
const waitStopInterval = 5 * time.Millisecond

// Client является основной точкой входа для взаимодействия с библиотекой.
type Client struct {
	channel     *ec.Channel
	passThrough *ec.PassThrough
	config      *Config
	logger      *logrus.Logger
	logCloser   io.Closer
	metrics     *ec.Metrics
	timing      ec.RecoveryTiming

	mu             sync.Mutex
	monitor        *ec.Monitor
	monitorChannel *ec.Channel
	// закрывается, когда горутина опроса вышла и отдельное соединение закрыто
	monitorReleased chan struct{}
}

// ClientOption настраивает клиент.
type ClientOption func(*Client)

// WithClientMetrics подключает метрики командного канала.
func WithClientMetrics(m *ec.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithRecoveryTiming задаёт паузы процедуры включения сервоприводов.
func WithRecoveryTiming(t ec.RecoveryTiming) ClientOption {
	return func(c *Client) { c.timing = t }
}

// New создает и возвращает новый экземпляр клиента.
// Эта функция проверяет конфигурацию и устанавливает соединение с контроллером.
func New(ctx context.Context, cfg *Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, closer := newLogger(cfg)
	c := &Client{
		config:    cfg,
		logger:    logger,
		logCloser: closer,
		timing:    ec.DefaultRecoveryTiming(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.channel = c.newChannel()
	if err := c.channel.Connect(ctx); err != nil {
		c.closeLog()
		return nil, fmt.Errorf("failed to connect to robot: %w", err)
	}
	c.passThrough = ec.NewPassThrough(c.channel)
	return c, nil
}

func (c *Client) newChannel(extra ...ec.Option) *ec.Channel {
	scope, _ := c.config.lockScope()
	policy, _ := c.config.idPolicy()
	opts := []ec.Option{
		ec.WithLogger(logrus.NewEntry(c.logger)),
		ec.WithLockScope(scope),
		ec.WithIDPolicy(policy),
		ec.WithTraceIO(c.config.TraceIO),
		ec.WithMetrics(c.metrics),
	}
	return ec.NewChannel(c.config.IP, c.config.Port, c.config.Timeout(), append(opts, extra...)...)
}

// Close останавливает мониторинг и закрывает соединение с роботом.
func (c *Client) Close() {
	c.StopMonitor()
	if c.channel != nil && c.channel.Connected() {
		c.channel.Disconnect()
	}
	c.closeLog()
}

func (c *Client) closeLog() {
	if c.logCloser != nil {
		_ = c.logCloser.Close()
		c.logCloser = nil
	}
}

// GetLogger возвращает используемый логгер.
func (c *Client) GetLogger() *logrus.Logger {
	return c.logger
}

// Channel возвращает командный канал клиента.
func (c *Client) Channel() *ec.Channel {
	return c.channel
}

// Info возвращает сведения о текущей сессии.
func (c *Client) Info() models.ConnectionInfo {
	return c.channel.Info()
}

// Reconnect заново подключается после разрыва сессии.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.channel.Connect(ctx)
}

func (c *Client) String() string {
	if c.channel != nil && c.channel.Connected() {
		return fmt.Sprintf("Elite EC, IP:%s, Name:%s", c.config.IP, c.name())
	}
	return fmt.Sprintf("Elite EC__, IP:%s, Name:%s", c.config.IP, c.name())
}

func (c *Client) name() string {
	if c.config.Name == "" {
		return "None"
	}
	return c.config.Name
}

// Send отправляет произвольную команду и возвращает раскодированный результат.
func (c *Client) Send(ctx context.Context, method string, params map[string]any, opts ...ec.SendOption) (json.RawMessage, error) {
	return c.channel.Send(ctx, method, params, opts...)
}

// Mode возвращает режим робота.
func (c *Client) Mode(ctx context.Context) (model.RobotMode, error) {
	v, err := ec.Call[int](ctx, c.channel, "getRobotMode", nil)
	if err != nil {
		return 0, err
	}
	return model.ParseRobotMode(v)
}

// State возвращает рабочее состояние робота.
func (c *Client) State(ctx context.Context) (model.RobotState, error) {
	v, err := ec.Call[int](ctx, c.channel, "getRobotState", nil)
	if err != nil {
		return 0, err
	}
	return model.ParseRobotState(v)
}

// EstopStatus возвращает состояние аварийной остановки (1 - нажата).
func (c *Client) EstopStatus(ctx context.Context) (int, error) {
	return ec.Call[int](ctx, c.channel, "get_estop_status", nil)
}

// ServoStatus сообщает, включены ли сервоприводы.
func (c *Client) ServoStatus(ctx context.Context) (bool, error) {
	return ec.Call[bool](ctx, c.channel, "getServoStatus", nil)
}

// SetServoStatus включает (1) или выключает (0) сервоприводы.
func (c *Client) SetServoStatus(ctx context.Context, status int) (bool, error) {
	return ec.Call[bool](ctx, c.channel, "set_servo_status", map[string]any{"status": status})
}

// Sync синхронизирует данные энкодеров.
func (c *Client) Sync(ctx context.Context) (bool, error) {
	return ec.Call[bool](ctx, c.channel, "syncMotorStatus", nil)
}

// SyncStatus сообщает, синхронизированы ли энкодеры.
func (c *Client) SyncStatus(ctx context.Context) (bool, error) {
	return ec.Call[bool](ctx, c.channel, "getMotorStatus", nil)
}

// ClearAlarm сбрасывает аварию.
func (c *Client) ClearAlarm(ctx context.Context) (bool, error) {
	return ec.Call[bool](ctx, c.channel, "clearAlarm", nil)
}

// CalibrateEncoderZero калибрует нулевую позицию энкодеров.
func (c *Client) CalibrateEncoderZero(ctx context.Context) (bool, error) {
	return ec.Call[bool](ctx, c.channel, "calibrate_encoder_zero_position", nil)
}

// WaitStop ждёт, пока робот выйдет из состояния Play.
func (c *Client) WaitStop(ctx context.Context) error {
	log := c.channel.Logger()
	ticker := time.NewTicker(waitStopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		state, err := c.State(ctx)
		if err != nil {
			return err
		}
		if state == model.StatePlay {
			continue
		}
		switch state {
		case model.StatePause:
			log.Debug("Robot is in pause state")
		case model.StateEstop:
			log.Debug("Robot is in emergency stop state")
		case model.StateError:
			log.Debug("Robot is in error state")
		case model.StateCollision:
			log.Debug("Robot is in collision state")
		}
		log.Info("The robot has stopped")
		return nil
	}
}

// PassThrough возвращает обработчик режима прозрачной передачи.
func (c *Client) PassThrough() *ec.PassThrough {
	return c.passThrough
}

// ServoOn включает сервоприводы. maxRetries <= 0 берётся из конфигурации.
func (c *Client) ServoOn(ctx context.Context, maxRetries int) (*models.RecoveryReport, error) {
	if maxRetries <= 0 {
		maxRetries = c.config.ServoRetries
	}
	return ec.ServoOn(ctx, c.channel,
		ec.WithMaxRetries(maxRetries),
		ec.WithTiming(c.timing),
		ec.WithBufferGuard(c.passThrough),
		ec.WithRecoveryLogger(c.channel.Logger()),
		ec.WithRobotID(c.config.IP),
	)
}

// StartMonitor запускает фоновый опрос состояния робота.
// При MonitorDedicated опрос идёт по отдельному соединению, которое закрывается
// при любом выходе горутины опроса.
func (c *Client) StartMonitor(ctx context.Context, handler ec.SnapshotHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor != nil && c.monitor.Running() {
		return ec.ErrMonitorRunning
	}
	// предыдущий опрос мог завершиться сам; дожидаемся закрытия его соединения
	if c.monitorReleased != nil {
		<-c.monitorReleased
		c.monitorReleased = nil
		c.monitorChannel = nil
	}

	var cmd model.Commander = c.channel
	var dedicated *ec.Channel
	if c.config.MonitorDedicated {
		dedicated = c.newChannel(ec.WithRole(ec.RoleMonitor))
		if err := dedicated.Connect(ctx); err != nil {
			return fmt.Errorf("failed to open monitor connection: %w", err)
		}
		cmd = dedicated
	}

	poller := ec.NewStatusPoller(cmd, c.config.IP)
	m := ec.NewMonitor(poller, c.config.MonitorInterval(), c.channel.Logger(), handler)
	if err := m.Start(ctx); err != nil {
		if dedicated != nil {
			dedicated.Disconnect()
		}
		return err
	}
	released := make(chan struct{})
	go releaseMonitor(m.Done(), dedicated, released)

	c.monitor = m
	c.monitorChannel = dedicated
	c.monitorReleased = released
	return nil
}

func releaseMonitor(done <-chan struct{}, dedicated *ec.Channel, released chan struct{}) {
	defer close(released)
	<-done
	if dedicated != nil && dedicated.Connected() {
		dedicated.Disconnect()
	}
}

// StopMonitor останавливает опрос и ждёт завершения горутины и закрытия отдельного соединения.
func (c *Client) StopMonitor() {
	c.mu.Lock()
	m, released := c.monitor, c.monitorReleased
	c.monitorChannel = nil
	c.monitorReleased = nil
	c.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	if released != nil {
		<-released
	}
}

// LatestSnapshot возвращает последнюю выборку мониторинга.
func (c *Client) LatestSnapshot() (*models.Snapshot, error) {
	c.mu.Lock()
	m := c.monitor
	c.mu.Unlock()
	if m == nil {
		return nil, errors.New("monitor is not started")
	}
	s := m.Latest()
	if s == nil {
		return nil, errors.New("no snapshot yet")
	}
	return s, nil
}
