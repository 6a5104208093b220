package ec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iwtcode/eliteAdapter/ec/model"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/sirupsen/logrus"
)

// DefaultMonitorInterval - период опроса по умолчанию.
const DefaultMonitorInterval = time.Second

// Poller - источник телеметрии, опрашиваемый мониторингом.
type Poller interface {
	Poll(ctx context.Context) (*models.Snapshot, error)
}

// SnapshotHandler получает результат каждой попытки опроса.
type SnapshotHandler func(snapshot *models.Snapshot, err error)

// Monitor запускает одну фоновую горутину опроса на экземпляр робота.
type Monitor struct {
	poller   Poller
	interval time.Duration
	logger   *logrus.Entry
	handler  SnapshotHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	latest *models.Snapshot
}

// NewMonitor создает монитор. handler может быть nil.
func NewMonitor(poller Poller, interval time.Duration, logger *logrus.Entry, handler SnapshotHandler) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		poller:   poller,
		interval: interval,
		logger:   logger.WithField("component", "monitor"),
		handler:  handler,
	}
}

// Start запускает горутину опроса. Опрос прекращается при Stop или отмене ctx.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runningLocked() {
		return ErrMonitorRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go m.run(ctx, done)
	return nil
}

// Stop останавливает опрос и ждёт завершения горутины.
// Вызов без предшествующего Start ничего не делает.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if done == nil {
		return
	}

	cancel()
	<-done

	m.mu.Lock()
	if m.done == done {
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()
}

// Done возвращает канал, закрываемый при выходе горутины опроса,
// в том числе после отмены ctx или фатальной ошибки. До Start возвращает nil.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running сообщает, работает ли горутина опроса.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Monitor) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Latest возвращает последнюю успешную выборку или nil.
func (m *Monitor) Latest() *models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.interval).Info("Starting polling goroutine")
	defer m.logger.Info("Polling goroutine stopped")

	for {
		if !m.pollOnce(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce возвращает false, если опрос нужно прекратить.
func (m *Monitor) pollOnce(ctx context.Context) bool {
	snapshot, err := m.poller.Poll(ctx)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		m.logger.WithError(err).Error("Error getting robot data")
		if m.handler != nil {
			m.handler(nil, err)
		}
		if IsFatal(err) {
			m.logger.Error("Command channel is down, polling aborted")
			return false
		}
		return true
	}

	m.mu.Lock()
	m.latest = snapshot
	m.mu.Unlock()
	if m.handler != nil {
		m.handler(snapshot, nil)
	}
	return true
}

// StatusPoller собирает выборку состояния через командный канал.
type StatusPoller struct {
	cmd     model.Commander
	robotID string
}

var _ Poller = (*StatusPoller)(nil)

// NewStatusPoller создает опросчик поверх командного канала.
func NewStatusPoller(cmd model.Commander, robotID string) *StatusPoller {
	return &StatusPoller{cmd: cmd, robotID: robotID}
}

// Poll последовательно читает режим, состояние, статус сервоприводов и синхронизации.
func (p *StatusPoller) Poll(ctx context.Context) (*models.Snapshot, error) {
	mode, err := Call[int](ctx, p.cmd, "getRobotMode", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read robot mode: %w", err)
	}

	state, err := Call[int](ctx, p.cmd, "getRobotState", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read robot state: %w", err)
	}

	servoOn, err := Call[bool](ctx, p.cmd, "getServoStatus", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read servo status: %w", err)
	}

	synced, err := Call[bool](ctx, p.cmd, "getMotorStatus", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read motor sync status: %w", err)
	}

	robotState := model.RobotState(state)
	return &models.Snapshot{
		RobotID:     p.robotID,
		Timestamp:   time.Now().UTC(),
		Mode:        model.RobotMode(mode).String(),
		State:       robotState.String(),
		ServoOn:     servoOn,
		MotorSynced: synced,
		IsEmergency: robotState == model.StateEstop,
		HasAlarm:    robotState == model.StateError || robotState == model.StateCollision,
	}, nil
}
