package link

import (
	"fmt"
	"sync"

	"github.com/probekit/probekit"
)

// Executable defines an executable program on the filesystem. To open
// a new Executable, use:
//
//	OpenExecutable("/bin/bash")
//
// The returned value can then be used to open Uprobe(s).
//
// Tasks map the file at arbitrary base addresses, so probes on it are
// placed by file offset. The offsets of interesting symbols are
// registered by the loader through AddSymbol; OpenExecutable itself
// does not read the file.
type Executable struct {
	path string

	mu      sync.RWMutex
	symbols map[string]uint64
}

// OpenExecutable returns an Executable for the binary at path, with an
// empty symbol table.
func OpenExecutable(path string) (*Executable, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty: %w", errInvalidInput)
	}
	return &Executable{
		path:    path,
		symbols: make(map[string]uint64),
	}, nil
}

// Path returns the filesystem path the executable was opened with.
func (ex *Executable) Path() string { return ex.path }

// AddSymbol records the file offset of a symbol. A later AddSymbol for
// the same name replaces the offset.
func (ex *Executable) AddSymbol(name string, offset uint64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.symbols[name] = offset
}

func (ex *Executable) offset(symbol string) (uint64, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	if off, ok := ex.symbols[symbol]; ok {
		return off, nil
	}
	return 0, fmt.Errorf("symbol %s not found in %s: %w", symbol, ex.path, probekit.ErrSymbolNotFound)
}
