//go:build !unicorn

package x86vm

// EngineName reports the instruction engine compiled into this binary.
func EngineName() string {
	return "none"
}

// DefaultEngine fails: build with -tags unicorn for a working engine, or
// supply Config.Engine.
func DefaultEngine(*SandboxMemory, *GasMeter, TrapHandler) (Engine, error) {
	return nil, ErrEngineUnavailable
}
