package model

import (
	"context"
	"encoding/json"
	"fmt"
)

// RobotMode - режим контроллера. Значения совпадают с wire-значениями getRobotMode.
type RobotMode int

const (
	ModeTeach RobotMode = iota
	ModePlay
	ModeRemote
)

func (m RobotMode) String() string {
	switch m {
	case ModeTeach:
		return "Teach"
	case ModePlay:
		return "Play"
	case ModeRemote:
		return "Remote"
	default:
		return fmt.Sprintf("RobotMode(%d)", int(m))
	}
}

// ParseRobotMode сопоставляет целое значение с протокола варианту RobotMode.
func ParseRobotMode(v int) (RobotMode, error) {
	m := RobotMode(v)
	if m < ModeTeach || m > ModeRemote {
		return 0, fmt.Errorf("unknown robot mode %d", v)
	}
	return m, nil
}

// RobotState - состояние выполнения. Значения совпадают с wire-значениями getRobotState.
type RobotState int

const (
	StateStop RobotState = iota
	StatePause
	StateEstop
	StatePlay
	StateError
	StateCollision
)

func (s RobotState) String() string {
	switch s {
	case StateStop:
		return "Stop"
	case StatePause:
		return "Pause"
	case StateEstop:
		return "Estop"
	case StatePlay:
		return "Play"
	case StateError:
		return "Error"
	case StateCollision:
		return "Collision"
	default:
		return fmt.Sprintf("RobotState(%d)", int(s))
	}
}

// ParseRobotState сопоставляет целое значение с протокола варианту RobotState.
func ParseRobotState(v int) (RobotState, error) {
	s := RobotState(v)
	if s < StateStop || s > StateCollision {
		return 0, fmt.Errorf("unknown robot state %d", v)
	}
	return s, nil
}

// RecoveryState - этап процедуры включения сервоприводов.
// Существует только в пределах одного вызова и продвигается только вперёд.
type RecoveryState int

const (
	RecoveryNeedRemoteMode RecoveryState = iota
	RecoveryAlarmCleared
	RecoveryMotorSynced
	RecoveryServoOn
	RecoveryFailed
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryNeedRemoteMode:
		return "NeedRemoteMode"
	case RecoveryAlarmCleared:
		return "AlarmCleared"
	case RecoveryMotorSynced:
		return "MotorSynced"
	case RecoveryServoOn:
		return "ServoOn"
	case RecoveryFailed:
		return "Failed"
	default:
		return fmt.Sprintf("RecoveryState(%d)", int(s))
	}
}

// Terminal сообщает, завершает ли состояние процедуру.
func (s RecoveryState) Terminal() bool {
	return s == RecoveryServoOn || s == RecoveryFailed
}

// Commander - это интерфейс, который абстрагирует командный канал,
// предоставляя только синхронный вызов "команда -> ответ" с параметрами по умолчанию.
// Через него работают восстановление сервоприводов и мониторинг,
// что позволяет подменять канал в тестах.
type Commander interface {
	Command(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// CommanderFunc позволяет использовать обычную функцию как Commander.
type CommanderFunc func(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)

func (f CommanderFunc) Command(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return f(ctx, method, params)
}
