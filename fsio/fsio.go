// Package fsio defines the narrow interface the virtual memory manager
// needs from the filesystem: capability-checked reads and writes of a
// file's contents, bracketed by a transaction so a caller writing back a
// dirty mmap'd page can't race the filesystem's own log commit. The
// filesystem itself, and everything about how blocks reach disk, lives
// outside this module.
package fsio

import "sync"

// File is the subset of an open file's behavior mmap, munmap, and the
// page-fault handler depend on.
type File interface {
	// Readable reports whether the file was opened for reading.
	Readable() bool
	// Writable reports whether the file was opened for writing.
	Writable() bool
	// Dup adds a reference, mirroring the reference a file descriptor
	// table entry would hold.
	Dup()
	// Close drops a reference.
	Close()
	// Transact runs fn with exclusive access to the file's contents,
	// corresponding to the begin_op/ilock ... iunlock/end_op bracket
	// around a filesystem read or write.
	Transact(fn func(Tx) error) error
}

// Tx is the read/write surface available inside a Transact callback.
type Tx interface {
	// ReadAt fills dst from the file starting at off, zero-filling any
	// part of dst past end of file.
	ReadAt(dst []byte, off int64) error
	// WriteAt writes src into the file starting at off, growing the file
	// if necessary.
	WriteAt(src []byte, off int64) error
}

// MemFile is an in-memory File, standing in for a real inode in tests and
// in the standalone command-line driver.
type MemFile struct {
	mu       sync.Mutex
	data     []byte
	readable bool
	writable bool
	refs     int
}

// NewMemFile creates a MemFile seeded with a copy of data.
func NewMemFile(data []byte, readable, writable bool) *MemFile {
	return &MemFile{
		data:     append([]byte(nil), data...),
		readable: readable,
		writable: writable,
		refs:     1,
	}
}

func (f *MemFile) Readable() bool { return f.readable }
func (f *MemFile) Writable() bool { return f.writable }

func (f *MemFile) Dup() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

func (f *MemFile) Close() {
	f.mu.Lock()
	f.refs--
	f.mu.Unlock()
}

// Refs reports the file's current reference count, for tests.
func (f *MemFile) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

func (f *MemFile) Transact(fn func(Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(memTx{f})
}

// Bytes returns a copy of the file's current contents, for tests.
func (f *MemFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

type memTx struct{ f *MemFile }

func (t memTx) ReadAt(dst []byte, off int64) error {
	if off < 0 {
		return nil
	}
	f := t.f
	n := 0
	if int(off) < len(f.data) {
		n = copy(dst, f.data[off:])
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (t memTx) WriteAt(src []byte, off int64) error {
	if off < 0 {
		return nil
	}
	f := t.f
	end := int(off) + len(src)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], src)
	return nil
}
