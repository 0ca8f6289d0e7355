package x86vm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/x86vm/internal/log"
	"github.com/fortiblox/x86vm/pkg/contract"
)

// Config configures an Executor.
type Config struct {
	// Engine creates the instruction engine. Nil selects DefaultEngine.
	Engine EngineFactory

	// DebugPrint enables emission of DebugPrint messages. It never affects
	// status or gas.
	DebugPrint bool

	// Logger defaults to the executor module logger.
	Logger *zap.Logger
}

// Executor runs contract blobs. It holds no per-invocation state, so Execute
// may be called from any number of goroutines.
type Executor struct {
	engine     EngineFactory
	debugPrint bool
	logger     *zap.Logger
	hvLogger   *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) *Executor {
	engine := cfg.Engine
	if engine == nil {
		engine = DefaultEngine
	}
	hvLogger := log.Module(log.ModuleHypervisor)
	if cfg.Logger != nil {
		hvLogger = cfg.Logger.Named(log.ModuleHypervisor)
	}
	return &Executor{
		engine:     engine,
		debugPrint: cfg.DebugPrint,
		logger:     log.OrModule(cfg.Logger, log.ModuleExecutor),
		hvLogger:   hvLogger,
	}
}

// Execute parses blob, builds a fresh sandbox and runs the code with gasLimit
// as its budget. It always returns a result; failures are reported through it.
func (e *Executor) Execute(blob []byte, env *Environment, gasLimit uint64) *Result {
	res := &Result{Status: StatusFailure, State: StateParsing}
	if env == nil {
		return e.reject(res, ErrNilEnvironment)
	}
	envCopy := *env

	c, err := contract.Parse(blob)
	if err != nil {
		return e.reject(res, err)
	}

	res.State = StateMemorySetup
	mem, err := DefaultLayout.Build(c.Code, c.Data)
	if err != nil {
		return e.reject(res, err)
	}

	if len(c.Code) == 0 {
		res.State = StateCompleted
		res.Status = StatusSuccess
		res.Registers = InitialRegisters()
		res.MemoryDigest = mem.Digest()
		return res
	}

	res.State = StateRunning
	meter := NewGasMeter(gasLimit)
	hv := NewHypervisor(envCopy, meter, e.debugPrint, e.hvLogger)
	until := CodeAddress + uint32(len(c.Code))

	regs, lastPC, runErr := e.run(mem, meter, hv, until)

	res.UsedGas = meter.Used()
	res.Registers = regs
	res.MemoryDigest = mem.Digest()
	res.Messages = hv.Messages()

	if runErr != nil {
		res.State = StateFaulted
		res.Fault = newFault(runErr, lastPC)
		res.Fault.Instruction = disassembleAt(mem, lastPC)
		e.logger.Warn("contract faulted",
			zap.Stringer("kind", res.Fault.Kind),
			zap.String("pc", fmt.Sprintf("0x%08x", lastPC)),
			zap.String("insn", res.Fault.Instruction),
			zap.Uint64("gas", res.UsedGas),
			zap.Error(runErr))
		return res
	}

	res.State = StateCompleted
	res.Status = StatusSuccess
	e.logger.Debug("contract completed",
		zap.Uint64("gas", res.UsedGas),
		zap.Bool("exited", hv.Exited()))
	return res
}

func (e *Executor) reject(res *Result, err error) *Result {
	res.Err = err
	res.State = StateRejected
	e.logger.Warn("contract rejected", zap.Error(err))
	return res
}

// run drives a fresh engine. Panics escaping the engine become engine faults.
func (e *Executor) run(mem *SandboxMemory, meter *GasMeter, trap TrapHandler, until uint32) (regs RegisterFile, lastPC uint32, err error) {
	regs = InitialRegisters()
	lastPC = CodeAddress

	engine, err := e.engine(mem, meter, trap)
	if err != nil {
		return regs, lastPC, fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	defer func() {
		if r := recover(); r != nil {
			lastPC = engine.LastPC()
			err = fmt.Errorf("%w: panic: %v", ErrEngineFault, r)
		}
	}()

	err = engine.Run(CodeAddress, until)
	return engine.Registers(), engine.LastPC(), err
}
