package models

import "time"

// ConnectionInfo описывает состояние командного соединения с роботом.
type ConnectionInfo struct {
	SessionID   string    `json:"session_id"`
	Endpoint    string    `json:"endpoint"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastUsed    time.Time `json:"last_used"`
	UseCount    int64     `json:"use_count"`
}

// Snapshot содержит одну выборку состояния робота, собранную мониторингом.
type Snapshot struct {
	RobotID     string    `json:"robot_id"`
	Timestamp   time.Time `json:"timestamp"`
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	ServoOn     bool      `json:"servo_on"`
	MotorSynced bool      `json:"motor_synced"`
	IsEmergency bool      `json:"is_emergency"`
	HasAlarm    bool      `json:"has_alarm"`
}

// RecoveryReport содержит итог процедуры включения сервоприводов.
type RecoveryReport struct {
	RobotID            string        `json:"robot_id"`
	ServoOn            bool          `json:"servo_on"`
	Stage              string        `json:"stage"` // при ServoOn=false - этап, на котором процедура остановилась
	Reason             string        `json:"reason,omitempty"`
	Commands           int           `json:"commands"`
	AlarmAttempts      int           `json:"alarm_attempts"`
	ServoAttempts      int           `json:"servo_attempts"`
	PassThroughCleared bool          `json:"pass_through_cleared"`
	Duration           time.Duration `json:"duration"`
}
