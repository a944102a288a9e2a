package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

func NewZerolog(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

func (z *ZerologLogger) Error(msg string, args ...any) {
	z.logger.Error().Fields(args).Msg(msg)
}

func (z *ZerologLogger) Warn(msg string, args ...any) {
	z.logger.Warn().Fields(args).Msg(msg)
}

func (z *ZerologLogger) Info(msg string, args ...any) {
	z.logger.Info().Fields(args).Msg(msg)
}

func (z *ZerologLogger) Debug(msg string, args ...any) {
	z.logger.Debug().Fields(args).Msg(msg)
}

// LogBuild assembles a zerolog-backed Logger writing to a file, a writer or a
// human readable console.
type LogBuild struct {
	writer  io.Writer
	path    string
	console bool
	level   zerolog.Level
}

func NewBuild() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

func (build *LogBuild) Console() *LogBuild {
	build.console = true
	return build
}

func (build *LogBuild) Level(level zerolog.Level) *LogBuild {
	build.level = level
	return build
}

// Make builds the logger. The returned closer releases the log file, if any.
func (build *LogBuild) Make() (*ZerologLogger, io.Closer, error) {
	var (
		writer io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if build.writer != nil {
		writer = build.writer
	}
	if build.path != "" {
		f, err := os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, nil, err
		}
		writer = zerolog.SyncWriter(f)
		closer = f
	}
	if build.console {
		writer = zerolog.ConsoleWriter{Out: writer, NoColor: build.path != ""}
	}
	zl := zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	return NewZerolog(zl), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
