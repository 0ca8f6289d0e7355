package x86vm

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Syscall is a system call number passed in EAX with int 0x40.
type Syscall uint32

// System calls. Every entry here is something a contract can ask of the host.
const (
	SyscallBlockHeight = Syscall(1)
	SyscallBlockTime   = Syscall(2)
	SyscallDebugPrint  = Syscall(0xFFFF0001)
)

// SyscallErrUnknown is written to EAX for unmapped syscall numbers.
const SyscallErrUnknown = uint32(0xFFFFFFFF)

// MaxDebugPrintLen bounds the bytes a single DebugPrint may read.
const MaxDebugPrintLen = uint32(1024)

func (s Syscall) String() string {
	switch s {
	case SyscallBlockHeight:
		return "BlockHeight"
	case SyscallBlockTime:
		return "BlockTime"
	case SyscallDebugPrint:
		return "DebugPrint"
	default:
		return fmt.Sprintf("syscall(0x%x)", uint32(s))
	}
}

type syscallFunc func(h *Hypervisor, cpu CPU) error

// syscallTable is fixed at init and never modified.
var syscallTable = map[Syscall]syscallFunc{
	SyscallBlockHeight: sysBlockHeight,
	SyscallBlockTime:   sysBlockTime,
	SyscallDebugPrint:  sysDebugPrint,
}

// Syscalls returns the supported syscall numbers in ascending order.
func Syscalls() []Syscall {
	out := make([]Syscall, 0, len(syscallTable))
	for s := range syscallTable {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Hypervisor services the software interrupts of one invocation.
type Hypervisor struct {
	env        Environment
	meter      *GasMeter
	debugPrint bool
	logger     *zap.Logger

	exited   bool
	messages []string
}

// NewHypervisor creates a hypervisor bound to one invocation's environment
// and gas meter.
func NewHypervisor(env Environment, meter *GasMeter, debugPrint bool, logger *zap.Logger) *Hypervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hypervisor{
		env:        env,
		meter:      meter,
		debugPrint: debugPrint,
		logger:     logger,
	}
}

// HandleInterrupt implements TrapHandler.
func (h *Hypervisor) HandleInterrupt(cpu CPU, vector uint8) error {
	if h.exited {
		return nil
	}

	switch vector {
	case ExitInterrupt:
		h.exited = true
		cpu.Stop()
		return nil

	case SystemInterrupt:
		if err := h.meter.Consume(GasSyscall); err != nil {
			return err
		}
		num := Syscall(cpu.Reg(EAX))
		fn, ok := syscallTable[num]
		if !ok {
			h.logger.Debug("unknown syscall", zap.Stringer("syscall", num))
			cpu.SetReg(EAX, SyscallErrUnknown)
			return deliverInterrupt(cpu, SystemErrorInterrupt)
		}
		return fn(h, cpu)

	default:
		h.logger.Debug("invalid syscall endpoint", zap.Uint8("vector", vector))
		return deliverInterrupt(cpu, SystemErrorInterrupt)
	}
}

// Exited reports whether the guest raised the exit interrupt.
func (h *Hypervisor) Exited() bool {
	return h.exited
}

// Messages returns the DebugPrint output collected while printing was enabled.
func (h *Hypervisor) Messages() []string {
	return h.messages
}

func sysBlockHeight(h *Hypervisor, cpu CPU) error {
	cpu.SetReg(EAX, h.env.BlockNumber)
	return nil
}

func sysBlockTime(h *Hypervisor, cpu CPU) error {
	cpu.SetReg(EAX, h.env.BlockTime)
	return nil
}

// sysDebugPrint reads ECX bytes at EBX. Gas, bounds checks and the EAX result
// do not depend on whether printing is enabled.
func sysDebugPrint(h *Hypervisor, cpu CPU) error {
	ptr, n := cpu.Reg(EBX), cpu.Reg(ECX)
	if n > MaxDebugPrintLen {
		return fmt.Errorf("%w: debug print of %d bytes exceeds %d", ErrInvalidMemoryAccess, n, MaxDebugPrintLen)
	}
	if err := h.meter.Consume(uint64(n) * GasDebugPrintByte); err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := cpu.Memory().Read(ptr, buf); err != nil {
		return err
	}
	if h.debugPrint {
		msg := string(buf)
		h.messages = append(h.messages, msg)
		h.logger.Info("contract message", zap.String("msg", msg))
	}
	cpu.SetReg(EAX, 0)
	return nil
}
