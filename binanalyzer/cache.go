package binanalyzer

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Disassembler produces the header and full instruction listing of a binary.
type Disassembler interface {
	Disassemble(path string) ([]byte, error)
}

type cacheEntry struct {
	image *BinaryImage
	err   error
}

type symbolEntry struct {
	table *SymbolTable
	err   error
}

// Cache memoizes BinaryImages per path for the lifetime of a trace session.
// Failed constructions are memoized too, so the disassembler runs at most
// once per path. A Cache is owned by a single goroutine.
type Cache struct {
	disassembler Disassembler
	images       map[string]cacheEntry
	symbols      map[string]symbolEntry
}

func NewCache(d Disassembler) *Cache {
	return &Cache{
		disassembler: d,
		images:       make(map[string]cacheEntry),
		symbols:      make(map[string]symbolEntry),
	}
}

// Get returns the image for path, disassembling it on first use.
func (c *Cache) Get(path string) (*BinaryImage, error) {
	if e, ok := c.images[path]; ok {
		return e.image, e.err
	}

	img, err := c.build(path)
	c.images[path] = cacheEntry{image: img, err: err}
	if err != nil {
		log.WithField("binary", path).Warnf("Building binary image: %v", err)
	} else {
		log.WithField("binary", path).Debugf("Cached %d instructions (dynamic=%t)", len(img.Instructions), img.Dynamic)
	}
	return img, err
}

func (c *Cache) build(path string) (*BinaryImage, error) {
	listing, err := c.disassembler.Disassemble(path)
	if err != nil {
		return nil, fmt.Errorf("disassembling %s: %w", path, err)
	}
	return ParseListing(path, listing)
}

// Symbols returns the ELF symbol table of path, loading it on first use.
func (c *Cache) Symbols(path string) (*SymbolTable, error) {
	if e, ok := c.symbols[path]; ok {
		return e.table, e.err
	}
	table, err := LoadSymbols(path)
	c.symbols[path] = symbolEntry{table: table, err: err}
	if err == nil {
		log.WithField("binary", path).Debugf("Loaded %d symbols", table.Len())
	}
	return table, err
}

// Len returns the number of paths the cache has seen.
func (c *Cache) Len() int {
	return len(c.images)
}
