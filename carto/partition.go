package carto

import (
	"bufio"
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// -----------------------------------------------------------------------------
// Partitioner
// -----------------------------------------------------------------------------

// attributePartitioner derives partition keys from one feature attribute.
type attributePartitioner struct {
	attribute  string
	policy     UnassignedPolicy
	unassigned string
}

// partitionKey returns the feature's key. ok is false when the feature must
// be rejected; unassigned is true when it was routed to the unassigned bucket.
func (p attributePartitioner) partitionKey(f Feature) (key string, unassigned, ok bool) {
	if key, present := keyString(f.Attributes[p.attribute]); present {
		return key, false, true
	}
	if p.policy == UnassignedReject {
		return "", false, false
	}
	return p.unassigned, true, true
}

// -----------------------------------------------------------------------------
// Partition writer
// -----------------------------------------------------------------------------

const partitionBufferSize = 32 * 1024

// partitionWriter streams encoded features into one feature collection file
// per key under dir. Files are written as <final>.tmp and renamed on Close.
// At most maxOpen handles are held; the least recently used is closed and
// later reopened for append.
type partitionWriter struct {
	fsys    fileSystem
	dir     string
	dataset string
	maxOpen int

	parts map[string]*partFile
	open  *list.List
}

type partFile struct {
	key   string
	final string
	tmp   string
	count int64
	size  int64

	f    writableFile
	bw   *bufio.Writer
	elem *list.Element
}

func newPartitionWriter(fsys fileSystem, dir, dataset string, maxOpen int) *partitionWriter {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenFiles
	}
	return &partitionWriter{
		fsys:    fsys,
		dir:     dir,
		dataset: dataset,
		maxOpen: maxOpen,
		parts:   make(map[string]*partFile),
		open:    list.New(),
	}
}

// Write appends one encoded feature to the partition of key.
func (w *partitionWriter) Write(key string, feature []byte) error {
	p, err := w.acquire(key)
	if err != nil {
		return err
	}
	if p.count > 0 {
		if err := w.write(p, collectionSep); err != nil {
			return err
		}
	}
	if err := w.write(p, feature); err != nil {
		return err
	}
	p.count++
	return nil
}

func (w *partitionWriter) write(p *partFile, b []byte) error {
	n, err := p.bw.Write(b)
	p.size += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailure, p.tmp, err)
	}
	return nil
}

// acquire returns the open partition file of key, creating or reopening it.
func (w *partitionWriter) acquire(key string) (*partFile, error) {
	p, ok := w.parts[key]
	if ok && p.f != nil {
		w.open.MoveToFront(p.elem)
		return p, nil
	}

	for w.open.Len() >= w.maxOpen {
		if err := w.release(w.open.Back().Value.(*partFile)); err != nil {
			return nil, err
		}
	}

	if !ok {
		final := PartitionFileName(w.dataset, key)
		p = &partFile{key: key, final: filepath.Join(w.dir, final), tmp: filepath.Join(w.dir, final+".tmp")}
		f, err := w.fsys.OpenFile(p.tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrWriteFailure, p.tmp, err)
		}
		w.parts[key] = p
		w.attach(p, f)
		if err := w.write(p, collectionHeader); err != nil {
			return nil, err
		}
		return p, nil
	}

	f, err := w.fsys.OpenFile(p.tmp, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen %s: %w", ErrWriteFailure, p.tmp, err)
	}
	w.attach(p, f)
	return p, nil
}

func (w *partitionWriter) attach(p *partFile, f writableFile) {
	p.f = f
	p.bw = bufio.NewWriterSize(f, partitionBufferSize)
	p.elem = w.open.PushFront(p)
}

// release flushes and closes the handle of p.
func (w *partitionWriter) release(p *partFile) error {
	w.open.Remove(p.elem)
	p.elem = nil
	f := p.f
	p.f = nil

	if err := p.bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: flush %s: %w", ErrWriteFailure, p.tmp, err)
	}
	p.bw = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrWriteFailure, p.tmp, err)
	}
	return nil
}

// Close terminates, fsyncs and renames every partition file, returning the
// partitions sorted by key.
func (w *partitionWriter) Close() ([]Partition, error) {
	keys := make([]string, 0, len(w.parts))
	for k := range w.parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Partition, 0, len(keys))
	for _, k := range keys {
		p, err := w.acquire(k)
		if err != nil {
			return nil, err
		}
		if err := w.write(p, collectionFooter); err != nil {
			return nil, err
		}
		if err := p.bw.Flush(); err != nil {
			return nil, fmt.Errorf("%w: flush %s: %w", ErrWriteFailure, p.tmp, err)
		}
		if err := p.f.Sync(); err != nil {
			return nil, fmt.Errorf("%w: sync %s: %w", ErrWriteFailure, p.tmp, err)
		}
		if err := w.release(p); err != nil {
			return nil, err
		}
		if err := w.fsys.Rename(p.tmp, p.final); err != nil {
			return nil, fmt.Errorf("%w: rename %s: %w", ErrWriteFailure, p.tmp, err)
		}
		out = append(out, Partition{
			Key:          p.key,
			File:         filepath.Base(p.final),
			FeatureCount: p.count,
			SizeBytes:    p.size,
		})
	}
	syncDir(w.fsys, w.dir)
	return out, nil
}

// Abort closes every handle and removes the temp files written so far.
func (w *partitionWriter) Abort() {
	for _, p := range w.parts {
		if p.f != nil {
			_ = p.f.Close()
			p.f = nil
		}
		_ = w.fsys.Remove(p.tmp)
	}
	w.open.Init()
}
