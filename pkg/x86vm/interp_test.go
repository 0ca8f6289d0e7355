package x86vm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// interpEngine is a small x86 interpreter used to exercise the executor
// without cgo. It decodes real encodings with x86asm and supports the
// handful of instructions the tests assemble.
type interpEngine struct {
	mem     *SandboxMemory
	meter   *GasMeter
	trap    TrapHandler
	regs    RegisterFile
	lastPC  uint32
	stopped bool
	closed  bool
}

func newInterpEngine(mem *SandboxMemory, meter *GasMeter, trap TrapHandler) (Engine, error) {
	return &interpEngine{
		mem:   mem,
		meter: meter,
		trap:  trap,
		regs:  InitialRegisters(),
	}, nil
}

func (e *interpEngine) Run(entry, until uint32) error {
	e.regs[EIP] = entry
	for !e.stopped {
		pc := e.regs[EIP]
		if pc == until {
			return nil
		}
		e.lastPC = pc

		window, err := e.mem.Fetch(pc, maxInstructionLen)
		if err != nil {
			return err
		}
		inst, err := x86asm.Decode(window, 32)
		if err != nil {
			return fmt.Errorf("%w at 0x%08x: %v", ErrIllegalInstruction, pc, err)
		}
		if err := e.meter.Consume(GasInstruction); err != nil {
			return err
		}
		e.regs[EIP] = pc + uint32(inst.Len)
		if err := e.step(inst); err != nil {
			return err
		}
	}
	return nil
}

func (e *interpEngine) step(inst x86asm.Inst) error {
	switch inst.Op {
	case x86asm.NOP:
		return nil

	case x86asm.HLT:
		e.stopped = true
		return nil

	case x86asm.MOV:
		v, err := e.load(inst, inst.Args[1])
		if err != nil {
			return err
		}
		return e.store(inst, inst.Args[0], v)

	case x86asm.ADD:
		a, err := e.load(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := e.load(inst, inst.Args[1])
		if err != nil {
			return err
		}
		return e.store(inst, inst.Args[0], a+b)

	case x86asm.INC:
		a, err := e.load(inst, inst.Args[0])
		if err != nil {
			return err
		}
		return e.store(inst, inst.Args[0], a+1)

	case x86asm.PUSH:
		v, err := e.load(inst, inst.Args[0])
		if err != nil {
			return err
		}
		return e.push(v)

	case x86asm.POP:
		v, err := e.pop()
		if err != nil {
			return err
		}
		return e.store(inst, inst.Args[0], v)

	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return e.illegal(inst)
		}
		e.regs[EIP] += uint32(int32(rel))
		return nil

	case x86asm.INT:
		imm, ok := inst.Args[0].(x86asm.Imm)
		if !ok {
			return e.illegal(inst)
		}
		return e.trap.HandleInterrupt(e, uint8(imm))

	case x86asm.IRET, x86asm.IRETD:
		var frame [3]uint32
		for i := range frame {
			v, err := e.pop()
			if err != nil {
				return err
			}
			frame[i] = v
		}
		e.regs[EIP], e.regs[CS], e.regs[EFLAGS] = frame[0], frame[1], frame[2]
		return nil

	default:
		return e.illegal(inst)
	}
}

func (e *interpEngine) illegal(inst x86asm.Inst) error {
	return fmt.Errorf("%w: %s at 0x%08x", ErrIllegalInstruction, inst.Op, e.lastPC)
}

var interpRegs = map[x86asm.Reg]Register{
	x86asm.EAX: EAX, x86asm.ECX: ECX, x86asm.EDX: EDX, x86asm.EBX: EBX,
	x86asm.ESP: ESP, x86asm.EBP: EBP, x86asm.ESI: ESI, x86asm.EDI: EDI,
}

func (e *interpEngine) addr(m x86asm.Mem) uint32 {
	a := uint32(m.Disp)
	if r, ok := interpRegs[m.Base]; ok {
		a += e.regs[r]
	}
	if r, ok := interpRegs[m.Index]; ok {
		a += e.regs[r] * uint32(m.Scale)
	}
	return a
}

func (e *interpEngine) load(inst x86asm.Inst, arg x86asm.Arg) (uint32, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := interpRegs[a]
		if !ok {
			return 0, e.illegal(inst)
		}
		return e.regs[r], nil
	case x86asm.Imm:
		return uint32(a), nil
	case x86asm.Mem:
		if inst.MemBytes != 4 {
			return 0, e.illegal(inst)
		}
		return e.mem.Read32(e.addr(a))
	default:
		return 0, e.illegal(inst)
	}
}

func (e *interpEngine) store(inst x86asm.Inst, arg x86asm.Arg, v uint32) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := interpRegs[a]
		if !ok {
			return e.illegal(inst)
		}
		e.regs[r] = v
		return nil
	case x86asm.Mem:
		if inst.MemBytes != 4 {
			return e.illegal(inst)
		}
		return e.mem.Write32(e.addr(a), v)
	default:
		return e.illegal(inst)
	}
}

func (e *interpEngine) push(v uint32) error {
	esp := e.regs[ESP] - 4
	if err := e.mem.Write32(esp, v); err != nil {
		return err
	}
	e.regs[ESP] = esp
	return nil
}

func (e *interpEngine) pop() (uint32, error) {
	v, err := e.mem.Read32(e.regs[ESP])
	if err != nil {
		return 0, err
	}
	e.regs[ESP] += 4
	return v, nil
}

func (e *interpEngine) LastPC() uint32          { return e.lastPC }
func (e *interpEngine) Registers() RegisterFile { return e.regs }
func (e *interpEngine) Close() error            { e.closed = true; return nil }

func (e *interpEngine) Reg(r Register) uint32       { return e.regs[r] }
func (e *interpEngine) SetReg(r Register, v uint32) { e.regs[r] = v }
func (e *interpEngine) Memory() Memory              { return e.mem }
func (e *interpEngine) Stop()                       { e.stopped = true }

// Assembler helpers. Register encodings follow the Register enum order.

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func asm(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// mov r32, imm32
func movImm(r Register, v uint32) []byte {
	return append([]byte{0xB8 + byte(r)}, le32(v)...)
}

// mov r32, [addr]
func movLoad(r Register, addr uint32) []byte {
	return append([]byte{0x8B, byte(r)<<3 | 0x05}, le32(addr)...)
}

// mov [addr], r32
func movStore(addr uint32, r Register) []byte {
	return append([]byte{0x89, byte(r)<<3 | 0x05}, le32(addr)...)
}

func intN(vector uint8) []byte { return []byte{0xCD, vector} }

var (
	opNop     = []byte{0x90}
	opHlt     = []byte{0xF4}
	opUD2     = []byte{0x0F, 0x0B}
	opIretd   = []byte{0xCF}
	opInt3    = []byte{0xCC}
	opJmpSelf = []byte{0xEB, 0xFE}
)

// interruptTable returns data whose vector table routes vector to handler.
func interruptTable(size int, vector uint8, handler uint32) []byte {
	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data[4*int(vector):], handler)
	return data
}
