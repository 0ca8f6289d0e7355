package x86vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Memory is guest memory as seen by trap handlers. Every access is checked
// against the sandbox regions.
type Memory interface {
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
}

// CPU is the view of a running engine handed to trap handlers.
type CPU interface {
	Reg(r Register) uint32
	SetReg(r Register, v uint32)
	Memory() Memory

	// Stop halts the engine normally once the current trap returns.
	Stop()
}

// TrapHandler services software interrupts raised by guest code. A non-nil
// error aborts execution with that error as the fault.
type TrapHandler interface {
	HandleInterrupt(cpu CPU, vector uint8) error
}

// Engine executes guest instructions over a SandboxMemory.
//
// Run charges GasInstruction before every instruction and stops without
// executing it when the meter is exhausted. It returns nil when the guest
// halts, reaches until, or is stopped by the trap handler. When Run returns,
// the sandbox memory reflects the final guest state.
type Engine interface {
	Run(entry, until uint32) error
	LastPC() uint32
	Registers() RegisterFile
	Close() error
}

// EngineFactory creates a fresh engine for one invocation.
type EngineFactory func(mem *SandboxMemory, meter *GasMeter, trap TrapHandler) (Engine, error)

// FaultKind classifies why execution aborted.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	FaultMemory
	FaultEngine
	FaultGas
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultMemory:
		return "memory"
	case FaultEngine:
		return "engine"
	case FaultGas:
		return "gas"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

// Fault describes an aborted execution. None of its fields are consensus
// relevant.
type Fault struct {
	Kind        FaultKind
	Err         error
	Address     uint32 // offending address of a memory fault
	PC          uint32 // last instruction started
	Instruction string // disassembly of the instruction at PC
}

func (f *Fault) Error() string {
	if f.Instruction != "" {
		return fmt.Sprintf("%s fault at 0x%08x (%s): %v", f.Kind, f.PC, f.Instruction, f.Err)
	}
	return fmt.Sprintf("%s fault at 0x%08x: %v", f.Kind, f.PC, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func classify(err error) FaultKind {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, ErrGasExhausted):
		return FaultGas
	case errors.Is(err, ErrInvalidMemoryAccess):
		return FaultMemory
	default:
		return FaultEngine
	}
}

func newFault(err error, pc uint32) *Fault {
	f := &Fault{Kind: classify(err), Err: err, PC: pc}
	var ae *AccessError
	if errors.As(err, &ae) {
		f.Address = ae.Addr
	}
	return f
}

func read32(mem Memory, addr uint32) (uint32, error) {
	var b [4]byte
	if err := mem.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// interruptFrameSize is the EIP, CS, EFLAGS frame pushed on delivery.
const interruptFrameSize = 12

// deliverInterrupt transfers control to the guest handler registered for
// vector in the interrupt table, in the manner of a protected-mode interrupt
// gate without a privilege change.
func deliverInterrupt(cpu CPU, vector uint8) error {
	mem := cpu.Memory()
	handler, err := read32(mem, InterruptTableAddress+4*uint32(vector))
	if err != nil {
		return err
	}
	if handler == 0 {
		return fmt.Errorf("%w: vector 0x%02x", ErrUnhandledInterrupt, vector)
	}

	var frame [interruptFrameSize]byte
	binary.LittleEndian.PutUint32(frame[0:4], cpu.Reg(EIP))
	binary.LittleEndian.PutUint32(frame[4:8], cpu.Reg(CS))
	binary.LittleEndian.PutUint32(frame[8:12], cpu.Reg(EFLAGS))

	esp := cpu.Reg(ESP) - interruptFrameSize
	if err := mem.Write(esp, frame[:]); err != nil {
		return err
	}
	cpu.SetReg(ESP, esp)
	cpu.SetReg(EIP, handler)
	return nil
}
