package tpdeapi

import (
	"fmt"
	"os"
	"strconv"
)

// Perfmap accumulates symbol entries for JIT-resident code and flushes them
// into Linux perf's /tmp/perf-<pid>.map format, so `perf` can symbolize
// samples landing in code that has no ELF object behind it. Unlike an
// object file's symtab this is append-only and process-scoped; one Perfmap
// serves every module a process JIT-compiles.
type Perfmap struct {
	entries []perfEntry
	fh      *os.File
}

type perfEntry struct {
	addr int64
	size uint64
	name string
}

// OpenPerfmap opens (appending) the perf map file for this process.
func OpenPerfmap() (*Perfmap, error) {
	filename := "/tmp/perf-" + strconv.Itoa(os.Getpid()) + ".map"
	fh, err := os.OpenFile(filename, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("tpdeapi: opening perf map: %w", err)
	}
	return &Perfmap{fh: fh}, nil
}

// AddEntry records one function: its module-relative address, size and name.
func (f *Perfmap) AddEntry(addr int64, size uint64, name string) {
	f.entries = append(f.entries, perfEntry{addr, size, name})
}

// Clear drops the accumulated entries without writing them.
func (f *Perfmap) Clear() {
	f.entries = f.entries[:0]
}

// Flush writes every accumulated entry, biased by the mapped code's base
// address, and syncs the file.
func (f *Perfmap) Flush(offset uintptr) error {
	for _, e := range f.entries {
		if _, err := f.fh.WriteString(fmt.Sprintf("%x %s %s\n",
			uintptr(e.addr)+offset,
			strconv.FormatUint(e.size, 16),
			e.name,
		)); err != nil {
			return err
		}
	}
	return f.fh.Sync()
}

// Close flushes nothing and releases the file handle.
func (f *Perfmap) Close() error { return f.fh.Close() }
