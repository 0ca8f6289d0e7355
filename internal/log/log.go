// Package log holds the process-wide zap logger used by x86vm.
package log

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module names.
const (
	ModuleExecutor   = "executor"
	ModuleHypervisor = "hypervisor"
	ModuleReceipts   = "receipts"
	ModuleBlobstore  = "blobstore"
)

var (
	root atomic.Pointer[zap.Logger]
	atom = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

func init() {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(config), zapcore.Lock(os.Stderr), atom)
	root.Store(zap.New(core, zap.AddCaller()))
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(lvl string) (zapcore.Level, error) {
	if level, ok := levelMap[lvl]; ok {
		return level, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level: %q", lvl)
}

// SetLevel changes the level of the root logger.
func SetLevel(lvl string) error {
	level, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	atom.SetLevel(level)
	return nil
}

// Root returns the root logger.
func Root() *zap.Logger {
	return root.Load()
}

// SetRoot replaces the root logger.
func SetRoot(l *zap.Logger) {
	root.Store(l)
}

// Module returns the root logger named for a module.
func Module(name string) *zap.Logger {
	return Root().Named(name)
}

// OrModule returns l, or the named root logger when l is nil.
func OrModule(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Module(name)
}
