// Package ksym resolves between symbol names and text addresses using
// tables in the kallsyms format: one "address type name [module]" line
// per symbol.
package ksym

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrSymbolNotFound is returned when a name or address resolves to no
// known symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// fnCacheSize bounds the address to symbol resolve cache.
const fnCacheSize = 1024

// Symbol is one entry of a symbol table.
type Symbol struct {
	Addr   uint64
	Type   string
	Name   string
	Module string
}

func (s *Symbol) isFunction() bool {
	switch s.Type {
	case "t", "T", "w", "W":
		return true
	}
	return false
}

// FnOffset describes an address as a function symbol plus offset.
type FnOffset struct {
	SymName string
	Offset  uint64
}

func (fo *FnOffset) String() string {
	return fmt.Sprintf("%s()+0x%x", fo.SymName, fo.Offset)
}

// Table is an address sorted symbol table. It may grow while in use:
// registering a text image adds its symbols.
type Table struct {
	mu      sync.RWMutex
	syms    []Symbol
	byName  map[string]uint64
	fnCache *lru.Cache[uint64, FnOffset]
}

// NewTable returns an empty table.
func NewTable() *Table {
	cache, _ := lru.New[uint64, FnOffset](fnCacheSize)
	return &Table{
		byName:  make(map[string]uint64),
		fnCache: cache,
	}
}

// NewTableFromReader parses a kallsyms format listing.
func NewTableFromReader(r io.Reader) (*Table, error) {
	t := NewTable()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed symbol line %q", line)
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse address in %q: %w", line, err)
		}
		sym := Symbol{
			Addr: addr,
			Type: fields[1],
			Name: fields[2],
		}
		if len(fields) >= 4 {
			sym.Module = strings.Trim(fields[3], "[]")
		}
		t.add(sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}

	t.mu.Lock()
	t.sortLocked()
	t.mu.Unlock()
	return t, nil
}

func (t *Table) add(sym Symbol) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syms = append(t.syms, sym)
	// kallsyms may list a name more than once; the first entry wins,
	// like kallsyms_lookup_name.
	if _, ok := t.byName[sym.Name]; !ok {
		t.byName[sym.Name] = sym.Addr
	}
}

func (t *Table) sortLocked() {
	sort.Slice(t.syms, func(i, j int) bool {
		return t.syms[i].Addr < t.syms[j].Addr
	})
	t.fnCache.Purge()
}

// Add registers a symbol, keeping the table sorted. Used when a text
// image is installed at runtime.
func (t *Table) Add(name string, addr uint64, typ string) {
	t.add(Symbol{Addr: addr, Type: typ, Name: name})
	t.mu.Lock()
	t.sortLocked()
	t.mu.Unlock()
}

// LookupName returns the address of the symbol with the given name.
func (t *Table) LookupName(name string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.byName[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrSymbolNotFound)
	}
	return addr, nil
}

// FnOffset resolves an address to the containing function symbol and
// the offset into it. Results are cached.
func (t *Table) FnOffset(addr uint64) (*FnOffset, error) {
	if cached, ok := t.fnCache.Get(addr); ok {
		return &cached, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	// Find the last function symbol at or below addr.
	idx := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Addr > addr
	})
	for i := idx - 1; i >= 0; i-- {
		sym := &t.syms[i]
		if !sym.isFunction() {
			continue
		}
		fo := FnOffset{
			SymName: sym.Name,
			Offset:  addr - sym.Addr,
		}
		t.fnCache.Add(addr, fo)
		return &fo, nil
	}
	return nil, fmt.Errorf("address %#x: %w", addr, ErrSymbolNotFound)
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.syms)
}
