// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mmapstore implements the mmap-backed key/value store each
// multiprocess worker writes its (value, timestamp) doubles into, and
// the canonical key encoding (spec §3, §4.1, §4.2, §6).
//
// On-disk layout:
//
//	Header (8 bytes): int32 `used` (LE), 4 bytes padding.
//	Record: int32 key_len (LE), key_len bytes of key, space padding to
//	        the next 8-byte boundary, then two LE float64s: value, timestamp.
//
// Records are strictly append-only; `used` is stored after the record
// bytes it describes are written, so a concurrent reader that observes
// `used >= N` may safely decode bytes `< N` (spec §5). The store never
// shrinks and grows its backing file by doubling from an initial 1 MiB.
package mmapstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	cclog "github.com/ClusterCockpit/cc-metrics-multiproc/pkg/log"
)

const (
	initialCapacity = 1 << 20 // 1 MiB, spec §6
	headerSize      = 8
	valueSize       = 16 // value float64 + timestamp float64
)

// ErrCorrupted is returned by ReadAllValues/Open when a record's
// declared length runs past the file's recorded `used` byte count
// (spec §7 CorruptionError).
var ErrCorrupted = errors.New("mmapstore: corrupted file")

// Entry is a single decoded (key, value, timestamp) triple.
// HasTimestamp is false when the on-disk timestamp was the +Inf
// sentinel (spec §3: absent timestamp).
type Entry struct {
	Key          string
	Value        float64
	Timestamp    float64
	HasTimestamp bool
}

// Store is a single mmap-backed file: one logical dict of
// key -> (value, timestamp), written by at most one process at a time
// (spec §3, §5: single-writer-per-file contract).
type Store struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	data     []byte
	readOnly bool
	closed   bool

	// positions maps a key to the byte offset of its (value, timestamp)
	// pair. Built eagerly for writable stores (WriteValue/ReadValueTimestamp
	// need it); built lazily for read-only stores, which usually only
	// call ReadAllValues and never need random access by key.
	positions map[string]int64
}

// Open maps the file at path into memory, creating it (truncated to the
// initial 1 MiB capacity) if it does not exist and readOnly is false
// (spec §4.1).
func Open(path string, readOnly bool) (*Store, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	} else {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := info.Size()
	if size == 0 {
		if readOnly {
			f.Close()
			return nil, fmt.Errorf("mmapstore: %s: empty file in read-only mode", path)
		}
		if err := f.Truncate(initialCapacity); err != nil {
			f.Close()
			return nil, err
		}
		size = initialCapacity
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapstore: mmap %s: %w", path, err)
	}

	s := &Store{
		path:     path,
		file:     f,
		data:     data,
		readOnly: readOnly,
	}

	used := int64(loadUint32(data, 0))
	if used == 0 {
		used = headerSize
		if !readOnly {
			storeUint32(s.data, 0, uint32(used))
		}
	}

	if !readOnly {
		positions, err := s.scan()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.positions = positions
	}

	return s, nil
}

func (s *Store) used() int64 {
	return int64(loadUint32(s.data, 0))
}

func (s *Store) setUsed(n int64) {
	storeUint32(s.data, 0, uint32(n))
}

// scan walks every record from offset 8 to `used`, returning the key ->
// value-offset index. Returns ErrCorrupted if any record's declared key
// length would read past `used` (spec §4.1, §7, §8).
func (s *Store) scan() (map[string]int64, error) {
	positions := map[string]int64{}
	used := s.used()
	pos := int64(headerSize)

	for pos < used {
		if pos+4 > int64(len(s.data)) {
			return nil, fmt.Errorf("%w: %s", ErrCorrupted, s.path)
		}
		keyLen := int64(binary.LittleEndian.Uint32(s.data[pos : pos+4]))
		if keyLen+pos > used || keyLen < 0 {
			return nil, fmt.Errorf("%w: %s", ErrCorrupted, s.path)
		}

		keyStart := pos + 4
		padded := keyLen + padLength(keyLen)
		key := string(s.data[keyStart : keyStart+keyLen])
		valueOffset := keyStart + padded

		positions[key] = valueOffset
		pos = valueOffset + valueSize
	}

	return positions, nil
}

// padLength returns the number of space bytes needed after a key of the
// given length so the following (value, timestamp) pair lands on an
// 8-byte boundary relative to the record start (spec §3): always >= 1.
func padLength(keyLen int64) int64 {
	return 8 - ((keyLen + 4) % 8)
}

// ReadAllValues decodes every record in the file, from offset 8 to
// `used`. Fails with ErrCorrupted under the same condition as Open's
// initial scan (spec §4.1).
func (s *Store) ReadAllValues() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	used := s.used()
	pos := int64(headerSize)
	var entries []Entry

	for pos < used {
		if pos+4 > int64(len(s.data)) {
			return nil, fmt.Errorf("%w: %s", ErrCorrupted, s.path)
		}
		keyLen := int64(binary.LittleEndian.Uint32(s.data[pos : pos+4]))
		if keyLen+pos > used || keyLen < 0 {
			return nil, fmt.Errorf("%w: %s", ErrCorrupted, s.path)
		}

		keyStart := pos + 4
		padded := keyLen + padLength(keyLen)
		key := string(s.data[keyStart : keyStart+keyLen])
		valueOffset := keyStart + padded

		value, timestamp := loadPair(s.data, valueOffset)
		hasTimestamp := !math.IsInf(timestamp, 1)

		entries = append(entries, Entry{Key: key, Value: value, Timestamp: timestamp, HasTimestamp: hasTimestamp})
		pos = valueOffset + valueSize
	}

	return entries, nil
}

// WriteValue stores (value, timestamp) for key, appending a fresh
// zero-initialized record first if key hasn't been seen before (spec
// §4.1). timestamp should be math.Inf(1) to encode "absent".
func (s *Store) WriteValue(key string, value, timestamp float64) error {
	if s.readOnly {
		return fmt.Errorf("mmapstore: %s: write to read-only store", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := s.offsetForLocked(key)
	if err != nil {
		return err
	}

	storePair(s.data, offset, value, timestamp)
	return nil
}

// ReadValueTimestamp returns the (value, timestamp) stored for key,
// allocating a fresh zero/absent record first if key hasn't been seen
// (spec §4.1). A read-only store returns (0, absent) for an unseen key
// without allocating a record.
func (s *Store) ReadValueTimestamp(key string) (value float64, timestamp float64, hasTimestamp bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.positions == nil {
		positions, scanErr := s.scan()
		if scanErr != nil {
			return 0, 0, false, scanErr
		}
		s.positions = positions
	}

	offset, existed := s.positions[key]
	if !existed {
		if s.readOnly {
			return 0, 0, false, nil
		}
		var err error
		offset, err = s.offsetForLocked(key)
		if err != nil {
			return 0, 0, false, err
		}
	}

	value, timestamp = loadPair(s.data, offset)
	return value, timestamp, !math.IsInf(timestamp, 1), nil
}

// offsetForLocked returns the value-offset for key, appending a fresh
// record (value=0, timestamp=+Inf) if necessary. Caller must hold s.mu.
func (s *Store) offsetForLocked(key string) (int64, error) {
	if s.positions == nil {
		s.positions = map[string]int64{}
	}
	if offset, ok := s.positions[key]; ok {
		return offset, nil
	}

	offset, err := s.appendRecordLocked(key)
	if err != nil {
		return 0, err
	}
	s.positions[key] = offset
	return offset, nil
}

// appendRecordLocked grows the backing file if needed, writes a new
// zero-valued record for key at the current `used` offset, and bumps
// `used` only after the record bytes are fully in place (spec §4.1:
// "order matters"). Caller must hold s.mu.
func (s *Store) appendRecordLocked(key string) (int64, error) {
	keyBytes := []byte(key)
	keyLen := int64(len(keyBytes))
	padded := keyLen + padLength(keyLen)
	recSize := 4 + padded + valueSize

	used := s.used()
	if err := s.ensureCapacityLocked(used + recSize); err != nil {
		return 0, err
	}

	pos := used
	binary.LittleEndian.PutUint32(s.data[pos:pos+4], uint32(keyLen))
	copy(s.data[pos+4:pos+4+keyLen], keyBytes)
	for i := keyLen; i < padded; i++ {
		s.data[pos+4+i] = ' '
	}

	valueOffset := pos + 4 + padded
	storePair(s.data, valueOffset, 0.0, math.Inf(1))

	s.setUsed(used + recSize)
	return valueOffset, nil
}

// ensureCapacityLocked doubles the backing file (and remaps it) until
// it can hold `need` bytes. Caller must hold s.mu.
func (s *Store) ensureCapacityLocked(need int64) error {
	capacity := int64(len(s.data))
	if need <= capacity {
		return nil
	}

	newCapacity := capacity
	for newCapacity < need {
		newCapacity *= 2
	}

	if err := s.file.Truncate(newCapacity); err != nil {
		return fmt.Errorf("mmapstore: grow %s: %w", s.path, err)
	}

	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("mmapstore: unmap %s during growth: %w", s.path, err)
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, int(newCapacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapstore: remap %s during growth: %w", s.path, err)
	}

	s.data = data
	cclog.Debugf("[MMAPSTORE]> %s grown to %d bytes", s.path, newCapacity)
	return nil
}

// Close unmaps and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Path returns the filesystem path this store was opened from.
func (s *Store) Path() string {
	return s.path
}

/* atomic header/value helpers */

func loadUint32(data []byte, pos int64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&data[pos])))
}

func storeUint32(data []byte, pos int64, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[pos])), v)
}

// loadPair reads the (value, timestamp) pair at pos. Each half is read
// with a single aligned atomic load, so neither double is ever torn;
// the two loads are independent, so a reader racing a writer may see a
// new value with an old timestamp or the reverse (spec §4.1, §9).
func loadPair(data []byte, pos int64) (value, timestamp float64) {
	vBits := atomic.LoadUint64((*uint64)(unsafe.Pointer(&data[pos])))
	tBits := atomic.LoadUint64((*uint64)(unsafe.Pointer(&data[pos+8])))
	return math.Float64frombits(vBits), math.Float64frombits(tBits)
}

// storePair writes the (value, timestamp) pair at pos as two aligned
// atomic 8-byte stores, never a read-modify-write, so a concurrent
// reader cannot observe a transiently zeroed value (spec §4.1, §9).
func storePair(data []byte, pos int64, value, timestamp float64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&data[pos])), math.Float64bits(value))
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&data[pos+8])), math.Float64bits(timestamp))
}
