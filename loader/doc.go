// Package loader maps ELF64 executables and shared objects into the current
// address space, resolves symbols across them, applies their relocations,
// and can hand control to a program entry point. It is the core of the
// helios dynamic linker; the parent package exposes the dlopen-style
// surface on top of it.
package loader
