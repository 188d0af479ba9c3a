package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"

	"railsync/internal/config"
)

// Facility GELF 消息中的 facility 字段
const Facility = "railsync"

// ParseLevel 解析日志级别，未知值回退到 INFO
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup 创建进程日志：控制台（彩色），可选的日志文件（无颜色），可选的 Graylog。
// 返回的 Closer 在退出时关闭文件与 GELF 连接。
func Setup(s *config.Settings, role string) (zerolog.Logger, io.Closer, error) {
	return setup(s, role, os.Stdout)
}

func setup(s *config.Settings, role string, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := ParseLevel(s.LogLevel)
	if s.DebugLogging && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	writers := []io.Writer{
		zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.RFC3339,
		},
	}
	var cl closers

	if s.LogFile != "" {
		file, err := os.OpenFile(s.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("打开日志文件 %s 失败: %w", s.LogFile, err)
		}
		cl = append(cl, file)
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        file,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		})
	}

	if s.Graylog.Enabled {
		gw, err := gelf.NewWriter(s.Graylog.Address)
		if err != nil {
			_ = cl.Close()
			return zerolog.Nop(), nil, fmt.Errorf("连接 Graylog %s 失败: %w", s.Graylog.Address, err)
		}
		gw.Facility = Facility
		cl = append(cl, gw)
		// GELF 收到原始 JSON，字段保持结构化
		writers = append(writers, gw)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("role", role).
		Logger()
	return logger, cl, nil
}
