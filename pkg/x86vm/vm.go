// Package x86vm executes x86 contract blobs inside an isolated 32-bit sandbox.
//
// A sandbox consists of three fixed regions:
// - Code  (0x00001000): read and execute, holds the code segment
// - Data  (0x00100000): read and write, holds the data segment and the heap
// - Stack (0x00200000): read and write
//
// The first KiB of the data region is the contract's interrupt vector table.
// Contracts talk to the host only through software interrupts, which are
// serviced by the Hypervisor.
package x86vm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x86vm/internal/types"
)

// Sandbox region addresses and capacities.
const (
	CodeAddress  = uint32(0x00001000)
	MaxCodeSize  = uint32(0x10000)
	DataAddress  = uint32(0x00100000)
	MaxDataSize  = uint32(0x10000)
	StackAddress = uint32(0x00200000)
	MaxStackSize = uint32(0x2000)

	// InterruptTableAddress holds one uint32 handler address per vector.
	InterruptTableAddress = DataAddress
	InterruptTableSize    = uint32(256 * 4)
)

// Interrupt vectors with a fixed meaning.
const (
	ExitInterrupt        = uint8(0xF0) // terminate normally
	SystemInterrupt      = uint8(0x40) // syscall number in EAX
	SystemErrorInterrupt = uint8(0xFA) // delivered into the guest
)

// Errors.
var (
	ErrCodeTooLarge        = errors.New("code segment exceeds region capacity")
	ErrDataTooLarge        = errors.New("data segment exceeds region capacity")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrIllegalInstruction  = errors.New("illegal instruction")
	ErrUnhandledInterrupt  = errors.New("unhandled interrupt")
	ErrEngineFault         = errors.New("engine fault")
	ErrEngineUnavailable   = errors.New("no instruction engine compiled in")
	ErrGasExhausted        = errors.New("gas exhausted")
	ErrNilEnvironment      = errors.New("nil environment")
	ErrInvalidLayout       = errors.New("invalid memory layout")
)

// Register names a 32-bit guest register.
type Register int

// Guest registers.
const (
	EAX Register = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	EIP
	EFLAGS
	CS
	NumRegisters
)

var registerNames = [NumRegisters]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "eip", "eflags", "cs",
}

func (r Register) String() string {
	if r < 0 || r >= NumRegisters {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return registerNames[r]
}

// RegisterFile is a snapshot of all guest registers.
type RegisterFile [NumRegisters]uint32

// flagsReserved is bit 1 of EFLAGS, which always reads as set.
const flagsReserved = uint32(0x2)

// InitialRegisters returns the register file a contract starts with.
func InitialRegisters() RegisterFile {
	var regs RegisterFile
	regs[EIP] = CodeAddress
	regs[ESP] = StackAddress + MaxStackSize
	regs[EFLAGS] = flagsReserved
	return regs
}

// Environment is the read-only block context visible to a contract.
type Environment struct {
	BlockNumber uint32
	BlockTime   uint32
}

// Status is the consensus outcome of an invocation.
type Status uint8

const (
	StatusFailure Status = iota
	StatusSuccess
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// State is the terminal (or last reached) stage of an invocation.
type State uint8

const (
	StateParsing State = iota
	StateMemorySetup
	StateRunning
	StateCompleted
	StateFaulted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateMemorySetup:
		return "memory-setup"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Result is the outcome of one invocation.
//
// Only Status and UsedGas are consensus-relevant. Everything else is
// diagnostic and may differ between engine implementations.
type Result struct {
	Status  Status
	UsedGas uint64

	State        State
	Err          error  // rejection cause
	Fault        *Fault // set when State is StateFaulted
	Registers    RegisterFile
	MemoryDigest types.Hash
	Messages     []string
}

// Success reports whether the invocation succeeded.
func (r *Result) Success() bool {
	return r.Status == StatusSuccess
}

// Cause returns the rejection or fault cause, if any.
func (r *Result) Cause() error {
	if r.Fault != nil {
		return r.Fault
	}
	return r.Err
}
