package ec

import (
	"errors"
	"fmt"

	"github.com/iwtcode/eliteAdapter/ec/model"
)

var (
	ErrNotConnected   = errors.New("not connected to robot")
	ErrEmptyMethod    = errors.New("method must not be empty")
	ErrMonitorRunning = errors.New("monitor already running")
)

// ConnectError - не удалось установить соединение с контроллером.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolErrorKind различает ошибки уровня протокола.
type ProtocolErrorKind int

const (
	// PeerError - контроллер отклонил команду.
	PeerError ProtocolErrorKind = iota
	// Unrecognized - ответ не содержит ни result, ни error, либо не разбирается.
	Unrecognized
	// IDMismatch - id ответа не совпал с id запроса (только при IDMismatchStrict).
	IDMismatch
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case PeerError:
		return "peer error"
	case Unrecognized:
		return "unrecognized response"
	case IDMismatch:
		return "id mismatch"
	default:
		return fmt.Sprintf("ProtocolErrorKind(%d)", int(k))
	}
}

// ProtocolError возвращается вызывающему, соединение при этом остаётся рабочим.
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Method  string
	Message string
	ID      int
	SentID  int
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case PeerError:
		return fmt.Sprintf("cmd %s: %s: %s (id=%d)", e.Method, e.Kind, e.Message, e.ID)
	case IDMismatch:
		return fmt.Sprintf("cmd %s: %s: send_id=%d, recv_id=%d", e.Method, e.Kind, e.SentID, e.ID)
	default:
		return fmt.Sprintf("cmd %s: %s", e.Method, e.Kind)
	}
}

// IOError - сбой сокета во время установленной сессии.
// Сессия после него разорвана, повторное подключение - решение вызывающего.
type IOError struct {
	Method string
	Addr   string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cmd %s on %s: i/o failure: %v", e.Method, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// RecoveryError - включение сервоприводов не удалось на указанном этапе.
type RecoveryError struct {
	// Stage - этап, выполнявшийся в момент остановки процедуры, а не достигнутый.
	// Stage == model.RecoveryServoOn означает, что не удалось включить сервоприводы.
	Stage model.RecoveryState
	// Reason - одна из констант Reason*.
	Reason string
	Err    error
}

func (e *RecoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("servo on failed at %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("servo on failed at %s: %s", e.Stage, e.Reason)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// IsFatal сообщает, что ошибка разорвала сессию и канал больше не пригоден для команд.
func IsFatal(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) || errors.Is(err, ErrNotConnected)
}
