package carto

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Fault-injection filesystem (test-only)
// -----------------------------------------------------------------------------
//
// faultFS wraps osFS and fails selected calls deterministically so that
// crash-safety paths can be exercised without killing processes.

var errInjected = errors.New("injected fault")

type faultFS struct {
	osFS

	mu sync.Mutex

	// openErrMatch fails OpenFile for writable paths containing the substring.
	openErrMatch string

	// renameErrMatch fails Rename when the source path contains the substring.
	renameErrMatch string

	// renameErrAfter lets that many matching renames succeed first.
	renameErrAfter int

	// renameHook, when set, is consulted for every rename.
	renameHook func(oldpath, newpath string) error

	// removeAllHook, when set, runs before every RemoveAll and fails it on
	// a non-nil error.
	removeAllHook func(path string) error

	// writeErrAfter fails writes once that many bytes were written in total.
	// Zero disables write faults.
	writeErrAfter int64
	written       int64

	renames []string
}

func (f *faultFS) OpenFile(name string, flag int, perm os.FileMode) (writableFile, error) {
	f.mu.Lock()
	match := f.openErrMatch
	f.mu.Unlock()
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 && match != "" && strings.Contains(name, match) {
		return nil, errInjected
	}
	file, err := f.osFS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultFile{writableFile: file, fs: f}, nil
}

func (f *faultFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	f.renames = append(f.renames, oldpath)
	fail := false
	if f.renameErrMatch != "" && strings.Contains(oldpath, f.renameErrMatch) {
		if f.renameErrAfter > 0 {
			f.renameErrAfter--
		} else {
			fail = true
		}
	}
	hook := f.renameHook
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	if hook != nil {
		if err := hook(oldpath, newpath); err != nil {
			return err
		}
	}
	return f.osFS.Rename(oldpath, newpath)
}

func (f *faultFS) RemoveAll(path string) error {
	f.mu.Lock()
	hook := f.removeAllHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return err
		}
	}
	return f.osFS.RemoveAll(path)
}

func (f *faultFS) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrMatch, f.renameErrMatch = "", ""
	f.renameErrAfter, f.writeErrAfter, f.written = 0, 0, 0
	f.renameHook, f.removeAllHook = nil, nil
	f.renames = nil
}

type faultFile struct {
	writableFile
	fs *faultFS
}

func (w *faultFile) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	limit := w.fs.writeErrAfter
	if limit > 0 && w.fs.written+int64(len(p)) > limit {
		w.fs.mu.Unlock()
		return 0, errInjected
	}
	w.fs.written += int64(len(p))
	w.fs.mu.Unlock()
	return w.writableFile.Write(p)
}
