package journal

// ============================================================================
// Materialization journal
//
// 1. Append-only JSON lines, one entry per calendar side effect.
// 2. Every append is fsynced before returning, so an entry exists on disk
//    before the caller moves on to the next event.
// 3. Replay verifies the CRC32 of each entry.
// 4. Reset truncates once the queue the entries belong to is finished.
//
// The batch scheduler consults Index() before creating an entry: if a retried
// batch contains a fingerprint that an earlier, crashed attempt already
// created, the journaled external id is reused instead of creating it again.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/logging"
)

var log = logging.Component("journal")

var (
	ErrCorruptedJournal = errors.New("journal: file is corrupted")
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	ErrClosed           = errors.New("journal: already closed")
)

// EntryType names the side effect recorded.
type EntryType string

const (
	EntryMaterialized EntryType = "MATERIALIZED" // calendar entry created
	EntryDeleted      EntryType = "DELETED"      // calendar entry deleted
)

// Entry is one journal record.
type Entry struct {
	Seq         uint64    `json:"seq"`
	Type        EntryType `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	ExternalID  string    `json:"external_id"`
	Timestamp   int64     `json:"timestamp"` // Unix milliseconds
	Checksum    uint32    `json:"checksum"`
}

// checksum covers everything but the timestamp.
func checksum(e Entry) uint32 {
	data := string(e.Type) + "|" + e.Fingerprint + "|" + e.ExternalID + "|" + strconv.FormatUint(e.Seq, 10)
	return crc32.ChecksumIEEE([]byte(data))
}

// Journal is an open journal file.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	enc    *json.Encoder
	seq    uint64
	closed bool
}

// Open opens or creates the journal at path and resumes its sequence.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{path: path, file: file, enc: json.NewEncoder(file)}

	last, err := lastSeq(path)
	if err != nil {
		log.Warn("journal tail unreadable, continuing after last good entry", "error", err)
	}
	j.seq = last
	return j, nil
}

// Append records one side effect and syncs it to disk.
func (j *Journal) Append(t EntryType, fingerprint, externalID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	e := Entry{
		Seq:         j.seq,
		Type:        t,
		Fingerprint: fingerprint,
		ExternalID:  externalID,
		Timestamp:   time.Now().UnixMilli(),
	}
	e.Checksum = checksum(e)

	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Replay calls fn for every entry in order. It stops at the first decode or
// checksum failure and returns it.
func (j *Journal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return replayFile(j.path, fn)
}

// Index maps fingerprints to their live external ids: materialized and not
// deleted afterwards. A corrupted tail is logged and ignored.
func (j *Journal) Index() (map[string]string, error) {
	idx := make(map[string]string)
	err := j.Replay(func(e Entry) error {
		switch e.Type {
		case EntryMaterialized:
			idx[e.Fingerprint] = e.ExternalID
		case EntryDeleted:
			delete(idx, e.Fingerprint)
		}
		return nil
	})
	if errors.Is(err, ErrCorruptedJournal) || errors.Is(err, ErrChecksumMismatch) {
		log.Warn("journal replay stopped early", "error", err, "entries", len(idx))
		return idx, nil
	}
	return idx, err
}

// Reset truncates the journal.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	j.seq = 0
	return nil
}

// Close closes the file. A closed journal must not be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq returns the sequence number of the last appended entry.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func replayFile(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrCorruptedJournal, err)
		}
		if checksum(e) != e.Checksum {
			return fmt.Errorf("%w at seq=%d", ErrChecksumMismatch, e.Seq)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// lastSeq scans the file front to back and returns the last good sequence.
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := replayFile(path, func(e Entry) error {
		seq = e.Seq
		return nil
	})
	return seq, err
}
