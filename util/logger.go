package util

import "io"
import "log/slog"
import "os"

func Loglevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Mklogger returns a leveled text logger tagged with the subsystem name.
func Mklogger(level, module string) *slog.Logger {
	return Mkloggerw(os.Stderr, level, module)
}

func Mkloggerw(w io.Writer, level, module string) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: Loglevel(level),
	})
	return slog.New(h).With("module", module)
}
