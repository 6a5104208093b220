package fakerobot

import (
	"sync"

	"github.com/iwtcode/eliteAdapter/ec/model"
)

// Robot - упрощённая модель контроллера для сценариев включения сервоприводов.
type Robot struct {
	mu sync.Mutex

	Mode  model.RobotMode
	State model.RobotState
	// ClearAlarmAfter - сколько вызовов clearAlarm нужно для перехода в Stop; <0 - авария не сбрасывается.
	ClearAlarmAfter int
	Synced          bool
	SyncResult      bool
	// ServoOnAfter - сколько вызовов set_servo_status нужно для включения; <0 - не включаются.
	ServoOnAfter int
	ServoOn      bool
	Estop        bool

	clearCalls int
	servoCalls int
	ttActive   bool
	ttCleared  int
}

// NewRobot возвращает робота в режиме Remote без аварий, готового к включению с первой попытки.
func NewRobot() *Robot {
	return &Robot{
		Mode:            model.ModeRemote,
		State:           model.StateStop,
		ClearAlarmAfter: 1,
		Synced:          true,
		SyncResult:      true,
		ServoOnAfter:    1,
	}
}

// Install регистрирует обработчики команд робота на сервере.
func (r *Robot) Install(s *Server) {
	s.Handle("getRobotMode", r.locked(func(Request) any { return int(r.Mode) }))
	s.Handle("getRobotState", r.locked(func(Request) any { return int(r.State) }))
	s.Handle("get_estop_status", r.locked(func(Request) any {
		if r.Estop {
			return 1
		}
		return 0
	}))
	s.Handle("clearAlarm", r.locked(func(Request) any {
		r.clearCalls++
		if r.ClearAlarmAfter >= 0 && r.clearCalls >= r.ClearAlarmAfter {
			r.State = model.StateStop
		}
		return true
	}))
	s.Handle("getMotorStatus", r.locked(func(Request) any { return r.Synced }))
	s.Handle("syncMotorStatus", r.locked(func(Request) any {
		if r.SyncResult {
			r.Synced = true
		}
		return r.SyncResult
	}))
	s.Handle("set_servo_status", r.locked(func(req Request) any {
		status, _ := req.Params["status"].(float64)
		if status == 0 {
			r.ServoOn = false
			return true
		}
		r.servoCalls++
		if r.ServoOnAfter >= 0 && r.servoCalls >= r.ServoOnAfter {
			r.ServoOn = true
		}
		return true
	}))
	s.Handle("getServoStatus", r.locked(func(Request) any { return r.ServoOn }))
	s.Handle("calibrate_encoder_zero_position", r.locked(func(Request) any { return r.ServoOn }))
	s.Handle("TT_init", r.locked(func(Request) any {
		r.ttActive = true
		return true
	}))
	s.Handle("TT_clear_buff", r.locked(func(Request) any {
		r.ttActive = false
		r.ttCleared++
		return true
	}))
}

// TTCleared возвращает число очисток буфера TT.
func (r *Robot) TTCleared() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttCleared
}

// Set изменяет состояние робота под блокировкой.
func (r *Robot) Set(fn func(r *Robot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *Robot) locked(fn func(Request) any) HandlerFunc {
	return func(req Request) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return fn(req), nil
	}
}
