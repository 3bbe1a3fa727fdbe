package binanalyzer

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
)

type SymbolInfo struct {
	Name  string
	Start uint64
	End   uint64
}

// SymbolTable maps addresses of one ELF object to function names. It is
// only used to make logged stacks readable.
type SymbolTable struct {
	Path string
	// Dynamic is set for position-independent objects, whose symbol
	// values are file-relative rather than absolute addresses.
	Dynamic bool
	symbols []SymbolInfo
}

func LoadSymbols(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table := &SymbolTable{Path: path, Dynamic: f.Type == elf.ET_DYN}
	for _, load := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		symbols, err := load()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				continue
			}
			return nil, fmt.Errorf("reading symbols of %s: %w", path, err)
		}
		for _, sym := range symbols {
			if sym.Value != 0 {
				table.symbols = append(table.symbols, SymbolInfo{
					Name:  sym.Name,
					Start: sym.Value,
					End:   sym.Value + sym.Size,
				})
			}
		}
	}

	sort.Slice(table.symbols, func(i, j int) bool {
		return table.symbols[i].Start < table.symbols[j].Start
	})
	return table, nil
}

// Len returns the number of symbols with a non-zero address.
func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

// Resolve returns the name of the symbol containing address, or the
// address in hex when none does.
func (t *SymbolTable) Resolve(address uint64) string {
	for _, sym := range t.symbols {
		if sym.Start > address {
			break
		}
		if address < sym.End {
			return sym.Name
		}
	}
	return fmt.Sprintf("0x%x", address)
}
