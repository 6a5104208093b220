package elite

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger собирает логгер клиента. Уровни off и none отключают вывод;
// при заданном LogFile записи дублируются в файл с ротацией.
func newLogger(cfg *Config) (*logrus.Logger, io.Closer) {
	logger := logrus.New()

	// Настраиваем форматтер с понятным форматом времени
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if cfg.LogLevel == "off" || cfg.LogLevel == "none" {
		logger.SetOutput(io.Discard)
		return logger, nil
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFile == "" {
		logger.SetOutput(os.Stdout)
		return logger, nil
	}

	file := &lumberjack.Logger{
		Filename: cfg.LogFile,
		MaxAge:   cfg.LogMaxAgeDays,
		MaxSize:  100,
		Compress: true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, file))
	return logger, file
}
