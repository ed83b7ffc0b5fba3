//go:build linux && arm64

package loader

import "debug/elf"

const elfMachine = elf.EM_AARCH64

// Relocation types handled on arm64. Everything else is rejected.
const (
	relocRelative = uint32(elf.R_AARCH64_RELATIVE)
	relocGlobDat  = uint32(elf.R_AARCH64_GLOB_DAT)
	relocJumpSlot = uint32(elf.R_AARCH64_JUMP_SLOT)
	relocAbs      = uint32(elf.R_AARCH64_ABS64)
)

func relocTypeName(t uint32) string { return elf.R_AARCH64(t).String() }
