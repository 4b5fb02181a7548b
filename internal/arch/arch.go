// Package arch describes how to plant and step over breakpoints on the
// instruction sets the patcher operates on.
package arch

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/arch/x86/x86asm"
)

var errUnsupported = errors.New("unsupported instruction set")

// Info is the breakpoint and instruction encoding of one instruction set.
type Info struct {
	// Name is the GOARCH name of the instruction set.
	Name string
	// Break is the trap opcode written over instrumented text.
	Break []byte
	// Nop is the canonical no-op encoding, used for synthetic text images.
	Nop []byte
	// MaxInsnLen is the worst-case encoded instruction length.
	MaxInsnLen int

	insnLen func(code []byte) (int, error)
}

var (
	// AMD64 plants INT3. Instructions are variable length, decoded with
	// golang.org/x/arch.
	AMD64 = &Info{
		Name:       "amd64",
		Break:      []byte{0xcc},
		Nop:        []byte{0x90},
		MaxInsnLen: 15,
		insnLen:    amd64InsnLen,
	}

	// ARM64 plants BRK #0. Instructions are fixed four bytes.
	ARM64 = &Info{
		Name:       "arm64",
		Break:      []byte{0x00, 0x00, 0x20, 0xd4},
		Nop:        []byte{0x1f, 0x20, 0x03, 0xd5},
		MaxInsnLen: 4,
		insnLen:    fixedInsnLen(4),
	}

	// RISCV64 plants EBREAK, or C.EBREAK over a compressed instruction.
	RISCV64 = &Info{
		Name:       "riscv64",
		Break:      []byte{0x73, 0x00, 0x10, 0x00},
		Nop:        []byte{0x13, 0x00, 0x00, 0x00},
		MaxInsnLen: 4,
		insnLen:    riscvInsnLen,
	}

	// Loong64 plants BREAK 0. Instructions are fixed four bytes.
	Loong64 = &Info{
		Name:       "loong64",
		Break:      []byte{0x00, 0x00, 0x2a, 0x00},
		Nop:        []byte{0x00, 0x00, 0x40, 0x03},
		MaxInsnLen: 4,
		insnLen:    fixedInsnLen(4),
	}
)

// cebreak is the two byte C.EBREAK encoding used when the patched
// instruction is itself compressed.
var cebreak = []byte{0x02, 0x90}

// Native returns the Info for the architecture this process runs on.
func Native() (*Info, error) {
	switch runtime.GOARCH {
	case "amd64":
		return AMD64, nil
	case "arm64":
		return ARM64, nil
	case "riscv64":
		return RISCV64, nil
	case "loong64":
		return Loong64, nil
	default:
		return nil, fmt.Errorf("%s: %w", runtime.GOARCH, errUnsupported)
	}
}

// InsnLen returns the length in bytes of the instruction encoded at the
// start of code.
func (i *Info) InsnLen(code []byte) (int, error) {
	return i.insnLen(code)
}

// BreakFor returns the trap opcode for overwriting an instruction of the
// given length. The opcode never spills into the following instruction.
func (i *Info) BreakFor(insnLen int) []byte {
	if i == RISCV64 && insnLen == 2 {
		return cebreak
	}
	return i.Break
}

// IsBreak reports whether code begins with one of the trap opcodes of
// this instruction set.
func (i *Info) IsBreak(code []byte) bool {
	if hasPrefix(code, i.Break) {
		return true
	}
	return i == RISCV64 && hasPrefix(code, cebreak)
}

func hasPrefix(code, opcode []byte) bool {
	if len(code) < len(opcode) {
		return false
	}
	for j, b := range opcode {
		if code[j] != b {
			return false
		}
	}
	return true
}

func amd64InsnLen(code []byte) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("decode instruction: %w", err)
	}
	return inst.Len, nil
}

func riscvInsnLen(code []byte) (int, error) {
	if len(code) < 2 {
		return 0, fmt.Errorf("truncated instruction: %d bytes", len(code))
	}
	// The low two bits of the first parcel distinguish compressed
	// encodings from full width ones.
	if code[0]&0b11 != 0b11 {
		return 2, nil
	}
	if len(code) < 4 {
		return 0, fmt.Errorf("truncated instruction: %d bytes", len(code))
	}
	return 4, nil
}

func fixedInsnLen(n int) func([]byte) (int, error) {
	return func(code []byte) (int, error) {
		if len(code) < n {
			return 0, fmt.Errorf("truncated instruction: %d bytes", len(code))
		}
		return n, nil
	}
}
