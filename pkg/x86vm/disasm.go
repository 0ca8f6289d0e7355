package x86vm

import "golang.org/x/arch/x86/x86asm"

// Disassemble renders the first instruction in code, located at pc, in Intel
// syntax. Undecodable bytes render as "(bad)".
func Disassemble(code []byte, pc uint32) string {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return "(bad)"
	}
	return x86asm.IntelSyntax(inst, uint64(pc), nil)
}

// disassembleAt decodes the instruction at pc from executable sandbox memory.
func disassembleAt(mem *SandboxMemory, pc uint32) string {
	window, err := mem.Fetch(pc, maxInstructionLen)
	if err != nil {
		return ""
	}
	return Disassemble(window, pc)
}
