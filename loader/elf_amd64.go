//go:build linux && amd64

package loader

import "debug/elf"

const elfMachine = elf.EM_X86_64

// Relocation types handled on x86-64. Everything else is rejected.
const (
	relocRelative = uint32(elf.R_X86_64_RELATIVE)
	relocGlobDat  = uint32(elf.R_X86_64_GLOB_DAT)
	relocJumpSlot = uint32(elf.R_X86_64_JMP_SLOT)
	relocAbs      = uint32(elf.R_X86_64_64)
)

func relocTypeName(t uint32) string { return elf.R_X86_64(t).String() }
