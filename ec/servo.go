package ec

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/iwtcode/eliteAdapter/ec/model"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/sirupsen/logrus"
)

// DefaultServoRetries - число попыток на шаг по умолчанию.
const DefaultServoRetries = 3

// alarmClearBudget ограничивает попытки сброса аварии независимо от maxRetries.
const alarmClearBudget = 4

// Причины отказа, по одной на этап.
const (
	ReasonNotRemote     = "must be in remote mode"
	ReasonAlarm         = "alarm cannot be cleared"
	ReasonSync          = "sync failed"
	ReasonServoStatus   = "servo status set failed"
	ReasonChannelFailed = "command failed"
)

// RecoveryTiming - паузы между шагами восстановления.
type RecoveryTiming struct {
	PassThroughWait time.Duration
	Settle          time.Duration
	ServoRetry      time.Duration
}

// DefaultRecoveryTiming возвращает паузы, рассчитанные на реальный контроллер.
func DefaultRecoveryTiming() RecoveryTiming {
	return RecoveryTiming{
		PassThroughWait: 500 * time.Millisecond,
		Settle:          200 * time.Millisecond,
		ServoRetry:      20 * time.Millisecond,
	}
}

// BufferGuard - буфер потокового движения, который очищается перед восстановлением.
type BufferGuard interface {
	Active() bool
	ClearBuffer(ctx context.Context) (bool, error)
}

type recoveryConfig struct {
	maxRetries int
	timing     RecoveryTiming
	guard      BufferGuard
	logger     *logrus.Entry
	robotID    string
}

// RecoveryOption настраивает ServoOn.
type RecoveryOption func(*recoveryConfig)

// WithMaxRetries задаёт число попыток на шаг; значения меньше 1 заменяются значением по умолчанию.
func WithMaxRetries(n int) RecoveryOption {
	return func(c *recoveryConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithTiming задаёт паузы между шагами.
func WithTiming(t RecoveryTiming) RecoveryOption {
	return func(c *recoveryConfig) { c.timing = t }
}

// WithBufferGuard подключает проверку буфера режима TT.
func WithBufferGuard(g BufferGuard) RecoveryOption {
	return func(c *recoveryConfig) { c.guard = g }
}

// WithRecoveryLogger задаёт логгер процедуры.
func WithRecoveryLogger(l *logrus.Entry) RecoveryOption {
	return func(c *recoveryConfig) { c.logger = l }
}

// WithRobotID подписывает отчёт адресом робота.
func WithRobotID(id string) RecoveryOption {
	return func(c *recoveryConfig) { c.robotID = id }
}

type recovery struct {
	cmd    model.Commander
	cfg    recoveryConfig
	state  model.RecoveryState
	report *models.RecoveryReport
}

// ServoOn переводит робота из произвольного состояния в состояние "сервоприводы включены".
//
// Шаги: очистка буфера TT (если активен), проверка режима Remote, сброс аварии,
// синхронизация энкодеров, включение сервоприводов. Каждый шаг ограничен числом попыток.
// Отказ возвращается как *RecoveryError с этапом, на котором процедура остановилась;
// отчёт возвращается в обоих случаях.
func ServoOn(ctx context.Context, cmd model.Commander, opts ...RecoveryOption) (*models.RecoveryReport, error) {
	cfg := recoveryConfig{
		maxRetries: DefaultServoRetries,
		timing:     DefaultRecoveryTiming(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	r := &recovery{
		cmd:    cmd,
		cfg:    cfg,
		state:  model.RecoveryNeedRemoteMode,
		report: &models.RecoveryReport{RobotID: cfg.robotID},
	}
	start := time.Now()
	err := r.run(ctx)
	r.report.Duration = time.Since(start)
	return r.report, err
}

func (r *recovery) run(ctx context.Context) error {
	log := r.cfg.logger

	if g := r.cfg.guard; g != nil && g.Active() {
		log.Debug("TT state is enabled, automatically clearing TT cache")
		if err := sleep(ctx, r.cfg.timing.PassThroughWait); err != nil {
			return r.fail(ReasonChannelFailed, err)
		}
		ok, err := g.ClearBuffer(ctx)
		switch {
		case err != nil:
			log.WithError(err).Warn("TT cache clear failed")
		case ok:
			r.report.PassThroughCleared = true
			log.Debug("TT cache cleared")
		default:
			log.Warn("TT cache clear was rejected")
		}
	}

	// NeedRemoteMode
	rawMode, err := Call[int](ctx, r.commander(), "getRobotMode", nil)
	if err != nil {
		return r.fail(ReasonChannelFailed, err)
	}
	mode, err := model.ParseRobotMode(rawMode)
	if err != nil {
		return r.fail(ReasonChannelFailed, err)
	}
	if mode != model.ModeRemote {
		return r.fail(ReasonNotRemote, nil)
	}

	// AlarmCleared
	r.advance(model.RecoveryAlarmCleared)
	if err := r.clearAlarm(ctx); err != nil {
		return err
	}
	log.Debug("Alarm cleared successfully")
	if err := sleep(ctx, r.cfg.timing.Settle); err != nil {
		return r.fail(ReasonChannelFailed, err)
	}

	// MotorSynced
	r.advance(model.RecoveryMotorSynced)
	if err := r.syncMotors(ctx); err != nil {
		return err
	}
	log.Debug("MotorStatus synchronized successfully")
	if err := sleep(ctx, r.cfg.timing.Settle); err != nil {
		return r.fail(ReasonChannelFailed, err)
	}

	// ServoOn
	r.advance(model.RecoveryServoOn)
	return r.enableServo(ctx)
}

func (r *recovery) clearAlarm(ctx context.Context) error {
	attempts := min(r.cfg.maxRetries, alarmClearBudget)
	for attempt := 1; attempt <= attempts; attempt++ {
		r.report.AlarmAttempts = attempt
		if err := r.bestEffort(ctx, "clearAlarm", nil); err != nil {
			return r.fail(ReasonChannelFailed, err)
		}
		if err := sleep(ctx, r.cfg.timing.Settle); err != nil {
			return r.fail(ReasonChannelFailed, err)
		}
		rawState, err := Call[int](ctx, r.commander(), "getRobotState", nil)
		if err != nil {
			return r.fail(ReasonChannelFailed, err)
		}
		if model.RobotState(rawState) == model.StateStop {
			return nil
		}
		r.cfg.logger.Debugf("alarm still active after attempt %d, robot state %s", attempt, model.RobotState(rawState))
	}
	return r.fail(ReasonAlarm, nil)
}

func (r *recovery) syncMotors(ctx context.Context) error {
	synced, err := Call[bool](ctx, r.commander(), "getMotorStatus", nil)
	if err != nil {
		return r.fail(ReasonChannelFailed, err)
	}
	if synced {
		return nil
	}
	ok, err := Call[bool](ctx, r.commander(), "syncMotorStatus", nil)
	if err != nil {
		return r.fail(ReasonChannelFailed, err)
	}
	if !ok {
		return r.fail(ReasonSync, nil)
	}
	return nil
}

func (r *recovery) enableServo(ctx context.Context) error {
	for attempt := 1; attempt <= r.cfg.maxRetries; attempt++ {
		r.report.ServoAttempts = attempt
		if err := r.bestEffort(ctx, "set_servo_status", map[string]any{"status": 1}); err != nil {
			return r.fail(ReasonChannelFailed, err)
		}
		on, err := Call[bool](ctx, r.commander(), "getServoStatus", nil)
		if err != nil {
			return r.fail(ReasonChannelFailed, err)
		}
		if on {
			r.report.ServoOn = true
			r.report.Stage = r.state.String()
			r.cfg.logger.Debug("Servo status set successfully")
			return nil
		}
		if attempt < r.cfg.maxRetries {
			if err := sleep(ctx, r.cfg.timing.ServoRetry); err != nil {
				return r.fail(ReasonChannelFailed, err)
			}
		}
	}
	return r.fail(ReasonServoStatus, nil)
}

// commander считает каждую отправленную команду.
func (r *recovery) commander() model.Commander {
	return model.CommanderFunc(func(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
		r.report.Commands++
		return r.cmd.Command(ctx, method, params)
	})
}

// bestEffort отправляет команду, результат которой не проверяется.
// Отказ контроллера только записывается в лог; фатальные ошибки канала и отмена контекста возвращаются.
func (r *recovery) bestEffort(ctx context.Context, method string, params map[string]any) error {
	_, err := r.commander().Command(ctx, method, params)
	if err == nil {
		return nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		r.cfg.logger.WithError(err).Warnf("%s rejected", method)
		return nil
	}
	return err
}

// advance переводит процедуру только вперёд.
func (r *recovery) advance(to model.RecoveryState) {
	if to > r.state && !r.state.Terminal() {
		r.state = to
	}
}

func (r *recovery) fail(reason string, err error) error {
	stage := r.state
	r.state = model.RecoveryFailed
	r.report.Stage = stage.String()
	r.report.Reason = reason

	entry := r.cfg.logger.WithField("stage", stage.String())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Errorf("servo on failed: %s", reason)
	return &RecoveryError{Stage: stage, Reason: reason, Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
