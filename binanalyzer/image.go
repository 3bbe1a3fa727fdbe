package binanalyzer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrAddressNotFound is returned when a lookup address has no matching
	// instruction label in the listing (stripped or mismatched image).
	ErrAddressNotFound = errors.New("address not found")
	// ErrUnknownObjectType is returned when the listing header carries
	// neither the EXEC_P nor the DYNAMIC flag.
	ErrUnknownObjectType = errors.New("unable to determine object type")
)

// headerLines is how many lines of the listing are inspected for the
// object flags.
const headerLines = 10

// Instruction prefixes objdump prints before the mnemonic.
var prefixes = map[string]bool{
	"bnd": true, "notrack": true, "lock": true, "rep": true, "repz": true,
	"repe": true, "repnz": true, "repne": true, "data16": true, "addr32": true,
	"cs": true, "ds": true, "es": true, "fs": true, "gs": true, "ss": true,
}

// Instruction is one decoded line of a disassembly listing.
type Instruction struct {
	Address  uint64
	Mnemonic string
	// Operand is the first operand as printed, e.g. "401030" or "*0x2fe2(%rip)".
	Operand string
	// Target is Operand parsed as an address, valid when HasTarget is set.
	Target    uint64
	HasTarget bool
	// Symbol is the text between angle brackets, e.g. "fopen@plt".
	Symbol string
}

func (i Instruction) op() string {
	if idx := strings.LastIndexByte(i.Mnemonic, ' '); idx >= 0 {
		return i.Mnemonic[idx+1:]
	}
	return i.Mnemonic
}

// IsCall reports whether the instruction is a call.
func (i Instruction) IsCall() bool {
	return strings.HasPrefix(i.op(), "call")
}

// IsJump reports whether the instruction is an unconditional jump.
func (i Instruction) IsJump() bool {
	return strings.HasPrefix(i.op(), "jmp")
}

// CalleeName returns the function the symbol names, with any version or
// PLT marker ("@plt", "@GLIBC_2.2.5") removed. Symbols pointing inside a
// function ("foo+0x10") yield "".
func (i Instruction) CalleeName() string {
	sym := i.Symbol
	if strings.IndexByte(sym, '+') >= 0 {
		return ""
	}
	if at := strings.IndexByte(sym, '@'); at >= 0 {
		sym = sym[:at]
	}
	return sym
}

// ViaLinkageTable reports whether the symbol carries a PLT or version marker.
func (i Instruction) ViaLinkageTable() bool {
	return strings.IndexByte(i.Symbol, '@') >= 0
}

func (i Instruction) String() string {
	s := fmt.Sprintf("%x: %s", i.Address, i.Mnemonic)
	if i.Operand != "" {
		s += " " + i.Operand
	}
	if i.Symbol != "" {
		s += " <" + i.Symbol + ">"
	}
	return s
}

// BinaryImage is the decoded listing of one binary. It is never modified
// after ParseListing returns.
type BinaryImage struct {
	Path         string
	Dynamic      bool
	Instructions []Instruction
	index        map[uint64]int
}

// ParseListing builds a BinaryImage from the output of `objdump -x -D`.
func ParseListing(path string, listing []byte) (*BinaryImage, error) {
	img := &BinaryImage{
		Path:  path,
		index: make(map[uint64]int),
	}

	scanner := bufio.NewScanner(bytes.NewReader(listing))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	classified := false
	for scanner.Scan() {
		text := scanner.Text()
		if !classified && line < headerLines {
			switch {
			case strings.Contains(text, "EXEC_P"):
				img.Dynamic, classified = false, true
			case strings.Contains(text, "DYNAMIC"):
				img.Dynamic, classified = true, true
			}
		}
		line++

		ins, ok := decodeLine(text)
		if !ok {
			continue
		}
		if _, dup := img.index[ins.Address]; dup {
			continue
		}
		img.index[ins.Address] = len(img.Instructions)
		img.Instructions = append(img.Instructions, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading listing of %s: %w", path, err)
	}
	if !classified {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObjectType, path)
	}
	return img, nil
}

// InstructionAt returns the instruction whose label equals address.
func (img *BinaryImage) InstructionAt(address uint64) (Instruction, error) {
	idx, ok := img.index[address]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: 0x%x in %s", ErrAddressNotFound, address, img.Path)
	}
	return img.Instructions[idx], nil
}

// InstructionBefore returns the instruction that precedes the one labelled
// address in the listing. For a return address this is the call.
func (img *BinaryImage) InstructionBefore(address uint64) (Instruction, error) {
	idx, ok := img.index[address]
	if !ok || idx == 0 {
		return Instruction{}, fmt.Errorf("%w: 0x%x in %s", ErrAddressNotFound, address, img.Path)
	}
	return img.Instructions[idx-1], nil
}

// decodeLine parses a listing line of the form
//
//	"  401136:\te8 f5 fe ff ff       \tcall   401030 <fopen@plt>"
//
// Lines without an address label or without a mnemonic column
// (continuation bytes of long instructions) are rejected.
func decodeLine(line string) (Instruction, bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return Instruction{}, false
	}
	label := strings.TrimSpace(line[:colon])
	if label == "" || !isHex(label) {
		return Instruction{}, false
	}
	address, err := strconv.ParseUint(label, 16, 64)
	if err != nil {
		return Instruction{}, false
	}

	columns := strings.Split(line[colon+1:], "\t")
	if len(columns) < 3 || columns[0] != "" {
		return Instruction{}, false
	}
	text := strings.TrimSpace(strings.Join(columns[2:], " "))
	if text == "" {
		return Instruction{}, false
	}

	fields := strings.Fields(text)
	mnemonic := fields[0]
	rest := fields[1:]
	for prefixes[mnemonic[strings.LastIndexByte(mnemonic, ' ')+1:]] && len(rest) > 0 {
		mnemonic += " " + rest[0]
		rest = rest[1:]
	}

	ins := Instruction{Address: address, Mnemonic: mnemonic}
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "<") && rest[0] != "#" {
		ins.Operand = rest[0]
		if isHex(ins.Operand) {
			if target, err := strconv.ParseUint(ins.Operand, 16, 64); err == nil {
				ins.Target, ins.HasTarget = target, true
			}
		}
	}
	if open := strings.IndexByte(text, '<'); open >= 0 {
		if end := strings.IndexByte(text[open:], '>'); end > 0 {
			ins.Symbol = text[open+1 : open+end]
		}
	}
	return ins, true
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return s != ""
}
