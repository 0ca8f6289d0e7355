//go:build unicorn

package x86vm

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Software interrupt opcodes: int imm8 and the one-byte int3.
const (
	opINT  = 0xCD
	opINT3 = 0xCC
)

var ucRegisters = [NumRegisters]int{
	EAX:    uc.X86_REG_EAX,
	ECX:    uc.X86_REG_ECX,
	EDX:    uc.X86_REG_EDX,
	EBX:    uc.X86_REG_EBX,
	ESP:    uc.X86_REG_ESP,
	EBP:    uc.X86_REG_EBP,
	ESI:    uc.X86_REG_ESI,
	EDI:    uc.X86_REG_EDI,
	EIP:    uc.X86_REG_EIP,
	EFLAGS: uc.X86_REG_EFLAGS,
	CS:     uc.X86_REG_CS,
}

// EngineName reports the instruction engine compiled into this binary.
func EngineName() string {
	return "unicorn"
}

// DefaultEngine creates a unicorn engine.
func DefaultEngine(mem *SandboxMemory, meter *GasMeter, trap TrapHandler) (Engine, error) {
	e, err := NewUnicornEngine(mem, meter, trap)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UnicornEngine runs guest code on the unicorn CPU emulator in 32-bit
// protected mode. The sandbox regions are mirrored into unicorn on creation
// and the writable ones are copied back when Run returns.
type UnicornEngine struct {
	mu    uc.Unicorn
	mem   *SandboxMemory
	meter *GasMeter
	trap  TrapHandler

	lastPC  uint32
	err     error // first fault raised inside a hook
	stopped bool
}

// NewUnicornEngine maps mem into a fresh unicorn instance.
func NewUnicornEngine(mem *SandboxMemory, meter *GasMeter, trap TrapHandler) (*UnicornEngine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	e := &UnicornEngine{
		mu:    mu,
		mem:   mem,
		meter: meter,
		trap:  trap,
	}
	if err := e.mapRegions(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := e.addHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := e.loadRegisters(InitialRegisters()); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

func ucProt(a Access) int {
	prot := uc.PROT_NONE
	if a&AccessRead != 0 {
		prot |= uc.PROT_READ
	}
	if a&AccessWrite != 0 {
		prot |= uc.PROT_WRITE
	}
	if a&AccessExec != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

func (e *UnicornEngine) mapRegions() error {
	for _, r := range e.mem.Regions() {
		base, size := uint64(r.Base), uint64(r.Size)
		if err := e.mu.MemMap(base, size); err != nil {
			return fmt.Errorf("map %s region: %w", r.Name, err)
		}
		if err := e.mu.MemWrite(base, r.Bytes()); err != nil {
			return fmt.Errorf("load %s region: %w", r.Name, err)
		}
		if err := e.mu.MemProtect(base, size, ucProt(r.Access)); err != nil {
			return fmt.Errorf("protect %s region: %w", r.Name, err)
		}
	}
	return nil
}

func (e *UnicornEngine) loadRegisters(regs RegisterFile) error {
	for r := EAX; r < NumRegisters; r++ {
		// EIP is set by Start; CS keeps unicorn's flat code segment.
		if r == EIP || r == CS {
			continue
		}
		if err := e.mu.RegWrite(ucRegisters[r], uint64(regs[r])); err != nil {
			return fmt.Errorf("write %s: %w", r, err)
		}
	}
	return nil
}

func (e *UnicornEngine) addHooks() error {
	if _, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		e.lastPC = uint32(addr)
		if err := e.meter.Consume(GasInstruction); err != nil {
			e.fail(err)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}

	if _, err := e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		if e.stopped {
			return
		}
		vector := uint8(intno)
		if !e.softwareInterrupt(vector) {
			e.fail(fmt.Errorf("%w: cpu exception %d", ErrEngineFault, intno))
			return
		}
		if err := e.trap.HandleInterrupt(e, vector); err != nil {
			e.fail(err)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("add interrupt hook: %w", err)
	}

	if _, err := e.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		ae := &AccessError{Addr: uint32(addr), Size: uint32(size), Access: AccessRead}
		switch access {
		case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
			ae.Access = AccessWrite
		case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
			ae.Access = AccessExec
		}
		if r := e.mem.find(uint32(addr)); r != nil {
			ae.Region = r.Name
		}
		e.fail(ae)
		return false
	}, 1, 0); err != nil {
		return fmt.Errorf("add memory hook: %w", err)
	}
	return nil
}

// softwareInterrupt reports whether the instruction at lastPC is int vector
// (or int3 for vector 3), as opposed to a CPU exception raised by some other
// instruction. The code region is read-only, so the sandbox copy matches what
// unicorn executes.
func (e *UnicornEngine) softwareInterrupt(vector uint8) bool {
	b, err := e.mem.Fetch(e.lastPC, 2)
	if err != nil || len(b) == 0 {
		return false
	}
	if b[0] == opINT3 {
		return vector == 3
	}
	return len(b) == 2 && b[0] == opINT && b[1] == vector
}

func (e *UnicornEngine) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	e.Stop()
}

// Run implements Engine.
func (e *UnicornEngine) Run(entry, until uint32) error {
	e.lastPC = entry
	startErr := e.mu.Start(uint64(entry), uint64(until))
	syncErr := e.syncBack()

	switch {
	case e.err != nil:
		return e.err
	case startErr != nil:
		var ucErr uc.UcError
		if errors.As(startErr, &ucErr) && ucErr == uc.ERR_INSN_INVALID {
			return fmt.Errorf("%w at 0x%08x", ErrIllegalInstruction, e.lastPC)
		}
		return fmt.Errorf("%w: %v", ErrEngineFault, startErr)
	case syncErr != nil:
		return syncErr
	}
	return nil
}

// syncBack copies writable regions out of unicorn into the sandbox memory.
func (e *UnicornEngine) syncBack() error {
	for _, r := range e.mem.Regions() {
		if r.Access&AccessWrite == 0 {
			continue
		}
		data, err := e.mu.MemRead(uint64(r.Base), uint64(r.Size))
		if err != nil {
			return fmt.Errorf("%w: read back %s region: %v", ErrEngineFault, r.Name, err)
		}
		copy(r.Bytes(), data)
	}
	return nil
}

// LastPC implements Engine.
func (e *UnicornEngine) LastPC() uint32 {
	return e.lastPC
}

// Registers implements Engine.
func (e *UnicornEngine) Registers() RegisterFile {
	var regs RegisterFile
	for r := EAX; r < NumRegisters; r++ {
		v, _ := e.mu.RegRead(ucRegisters[r])
		regs[r] = uint32(v)
	}
	return regs
}

// Close implements Engine.
func (e *UnicornEngine) Close() error {
	return e.mu.Close()
}

// Reg implements CPU.
func (e *UnicornEngine) Reg(r Register) uint32 {
	v, err := e.mu.RegRead(ucRegisters[r])
	if err != nil {
		e.fail(fmt.Errorf("%w: read %s: %v", ErrEngineFault, r, err))
	}
	return uint32(v)
}

// SetReg implements CPU.
func (e *UnicornEngine) SetReg(r Register, v uint32) {
	if err := e.mu.RegWrite(ucRegisters[r], uint64(v)); err != nil {
		e.fail(fmt.Errorf("%w: write %s: %v", ErrEngineFault, r, err))
	}
}

// Memory implements CPU. Accesses are checked against the sandbox regions
// and then served from unicorn's live memory.
func (e *UnicornEngine) Memory() Memory {
	return unicornMemory{e}
}

// Stop implements CPU.
func (e *UnicornEngine) Stop() {
	e.stopped = true
	e.mu.Stop()
}

type unicornMemory struct {
	e *UnicornEngine
}

func (m unicornMemory) Read(addr uint32, p []byte) error {
	if _, err := m.e.mem.Check(addr, uint32(len(p)), AccessRead); err != nil || len(p) == 0 {
		return err
	}
	data, err := m.e.mu.MemRead(uint64(addr), uint64(len(p)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineFault, err)
	}
	copy(p, data)
	return nil
}

func (m unicornMemory) Write(addr uint32, p []byte) error {
	if _, err := m.e.mem.Check(addr, uint32(len(p)), AccessWrite); err != nil || len(p) == 0 {
		return err
	}
	if err := m.e.mu.MemWrite(uint64(addr), p); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineFault, err)
	}
	return nil
}
