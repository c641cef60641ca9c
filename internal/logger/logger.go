package logger

import (
	"io"
	"os"
	"time"

	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// New 按配置创建 zerolog 日志器，并设置为全局日志器
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter 同 New，输出到指定 writer
func NewWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	zlog.Logger = l
	zerolog.DefaultContextLogger = &l
	return l
}

// Component 为组件派生带 component 字段的子日志器
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
