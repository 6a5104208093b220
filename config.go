package elite

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iwtcode/eliteAdapter/ec"
	"gopkg.in/yaml.v3"
)

// Config хранит модель конфигурации клиента
type Config struct {
	IP        string `yaml:"ip"`
	Port      int    `yaml:"port"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Name      string `yaml:"name"`

	LockScope string `yaml:"lock_scope"` // connection | process
	IDPolicy  string `yaml:"id_policy"`  // warn | strict
	TraceIO   bool   `yaml:"trace_io"`

	ServoRetries      int  `yaml:"servo_retries"`
	MonitorIntervalMs int  `yaml:"monitor_interval_ms"`
	MonitorDedicated  bool `yaml:"monitor_dedicated"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
}

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() *Config {
	return &Config{
		IP:                "192.168.1.200",
		Port:              ec.DefaultPort,
		TimeoutMs:         int(ec.DefaultTimeout / time.Millisecond),
		LockScope:         "connection",
		IDPolicy:          "warn",
		ServoRetries:      ec.DefaultServoRetries,
		MonitorIntervalMs: int(ec.DefaultMonitorInterval / time.Millisecond),
		LogLevel:          "info",
		LogMaxAgeDays:     7,
		KafkaTopic:        "elite_data",
	}
}

// Load загружает конфигурацию из переменных окружения
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile читает YAML-файл поверх значений по умолчанию; переменные окружения имеют приоритет.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.IP = getEnv("ELITE_IP", c.IP)
	c.Port = getEnvAsInt("ELITE_PORT", c.Port)
	c.TimeoutMs = getEnvAsInt("ELITE_TIMEOUT_MS", c.TimeoutMs)
	c.Name = getEnv("ELITE_NAME", c.Name)
	c.LockScope = getEnv("ELITE_LOCK_SCOPE", c.LockScope)
	c.IDPolicy = getEnv("ELITE_ID_POLICY", c.IDPolicy)
	c.TraceIO = getEnvAsBool("ELITE_TRACE_IO", c.TraceIO)
	c.ServoRetries = getEnvAsInt("ELITE_SERVO_RETRIES", c.ServoRetries)
	c.MonitorIntervalMs = getEnvAsInt("ELITE_MONITOR_INTERVAL_MS", c.MonitorIntervalMs)
	c.MonitorDedicated = getEnvAsBool("ELITE_MONITOR_DEDICATED", c.MonitorDedicated)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.LogMaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", c.LogMaxAgeDays)
	c.KafkaBroker = getEnv("KAFKA_BROKER", c.KafkaBroker)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
}

// Validate проверяет конфигурацию перед подключением.
func (c *Config) Validate() error {
	var errs []error
	if c.IP == "" {
		errs = append(errs, errors.New("ip is required"))
	} else if strings.ContainsAny(c.IP, " :/") && net.ParseIP(c.IP) == nil {
		errs = append(errs, fmt.Errorf("invalid ip %q", c.IP))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("invalid timeout %dms", c.TimeoutMs))
	}
	if _, err := c.lockScope(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.idPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.ServoRetries < 1 {
		errs = append(errs, fmt.Errorf("servo retries must be positive, got %d", c.ServoRetries))
	}
	return errors.Join(errs...)
}

// Timeout возвращает таймаут запроса.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// MonitorInterval возвращает период опроса.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

func (c *Config) lockScope() (ec.LockScope, error) {
	switch strings.ToLower(c.LockScope) {
	case "", "connection":
		return ec.LockPerConnection, nil
	case "process":
		return ec.LockProcessWide, nil
	}
	return 0, fmt.Errorf("unknown lock scope %q", c.LockScope)
}

func (c *Config) idPolicy() (ec.IDPolicy, error) {
	switch strings.ToLower(c.IDPolicy) {
	case "", "warn":
		return ec.IDMismatchWarn, nil
	case "strict":
		return ec.IDMismatchStrict, nil
	}
	return 0, fmt.Errorf("unknown id policy %q", c.IDPolicy)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(name string, defaultValue int) int {
	valueStr := getEnv(name, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
