package wal

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	raftpd "github.com/thinkermao/marquee/raft/proto"
	walpd "github.com/thinkermao/marquee/raft/wal/proto"
	"github.com/thinkermao/marquee/utils/pd"
)

// Record types inside the log and meta files.
const (
	RecordEntry int32 = iota
	RecordState
)

const (
	logName  = "raft.log"
	metaName = "raft.meta"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrNotFound    = errors.New("wal: file not found")
	ErrCRCMismatch = errors.New("wal: crc mismatch")
	ErrCorrupt     = errors.New("wal: corrupt log")
)

// Wal persists the raft log and hard state for one node.
//
// raft.log is strictly append-only: an entry written at an index that
// already exists supersedes the older one, and replay resolves the
// overwrite. Truncation therefore never rewrites the file. raft.meta
// holds the latest hard state and is replaced atomically.
type Wal struct {
	dir     string
	logFile *os.File
	enc     *encoder
}

// Create initialize an empty wal inside dir. An existing log is an
// error; use Restore for that.
func Create(dir string) (*Wal, error) {
	path := filepath.Join(dir, logName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("wal: %s already exists", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}

	wal := &Wal{
		dir:     dir,
		logFile: file,
		enc:     makeEncoder(file),
	}
	return wal, nil
}

// Exists reports whether dir holds a created wal.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, logName))
	return err == nil
}

// Restore reads back hard state and entries, tolerating a torn tail
// record from a crash mid-write, then reopens the log for appending.
func Restore(dir string) (*Wal, raftpd.HardState, []raftpd.Entry, error) {
	var state raftpd.HardState

	state, err := readMeta(filepath.Join(dir, metaName))
	if err != nil {
		return nil, state, nil, err
	}

	path := filepath.Join(dir, logName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, state, nil, ErrNotFound
		}
		return nil, state, nil, err
	}

	entries, validOff, err := replay(file)
	file.Close()
	if err != nil {
		return nil, state, nil, err
	}

	logFile, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return nil, state, nil, err
	}
	// drop the torn tail, if any.
	if err := logFile.Truncate(validOff); err != nil {
		logFile.Close()
		return nil, state, nil, err
	}
	if _, err := logFile.Seek(validOff, io.SeekStart); err != nil {
		logFile.Close()
		return nil, state, nil, err
	}

	log.Debugf("wal restored from %s [entries: %d, %v]", dir, len(entries), state)

	wal := &Wal{
		dir:     dir,
		logFile: logFile,
		enc:     makeEncoder(logFile),
	}
	return wal, state, entries, nil
}

// replay scan all entry records, resolving overwritten indices the
// same way a follower truncates a conflicting suffix.
func replay(file *os.File) ([]raftpd.Entry, int64, error) {
	dec := makeDecoder(file)
	entries := make([]raftpd.Entry, 0)

	record := walpd.Record{}
	for {
		err := dec.decode(&record)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}

		if record.Type != RecordEntry {
			return nil, 0, ErrCorrupt
		}

		var entry raftpd.Entry
		if err := pd.Unmarshal(&entry, record.Data); err != nil {
			return nil, 0, ErrCorrupt
		}

		switch {
		case len(entries) == 0:
			if entry.Index != 1 {
				return nil, 0, ErrCorrupt
			}
			entries = append(entries, entry)
		case entry.Index == entries[len(entries)-1].Index+1:
			entries = append(entries, entry)
		case entry.Index <= entries[len(entries)-1].Index && entry.Index >= 1:
			/* overwrite: truncate the replaced suffix */
			entries = append(entries[:entry.Index-1], entry)
		default:
			return nil, 0, ErrCorrupt
		}
	}

	return entries, dec.lastValidOff, nil
}

// SaveEntries append entries to the durable log. The caller must
// Sync before emitting any reply that depends on them.
func (wal *Wal) SaveEntries(entries []raftpd.Entry) error {
	for i := 0; i < len(entries); i++ {
		data, err := pd.Marshal(&entries[i])
		if err != nil {
			return err
		}
		record := walpd.Record{Type: RecordEntry, Data: data}
		if err := wal.enc.encode(&record); err != nil {
			return err
		}
	}
	return nil
}

// SaveState replace raft.meta atomically with the given hard state.
func (wal *Wal) SaveState(state *raftpd.HardState) error {
	data, err := pd.Marshal(state)
	if err != nil {
		return err
	}
	record := walpd.Record{
		Type: RecordState,
		Crc:  crc32.Checksum(data, crcTable),
		Data: data,
	}
	recordData, err := pd.Marshal(&record)
	if err != nil {
		return err
	}

	tmp := filepath.Join(wal.dir, metaName+".tmp")
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(recordData); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(wal.dir, metaName))
}

// Sync flush the entry log to stable storage.
func (wal *Wal) Sync() error {
	return wal.enc.flush()
}

// Close release the underlying file.
func (wal *Wal) Close() error {
	return wal.logFile.Close()
}

func readMeta(path string) (raftpd.HardState, error) {
	var state raftpd.HardState

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			/* meta not written yet: pristine state */
			return state, nil
		}
		return state, err
	}

	var record walpd.Record
	if err := pd.Unmarshal(&record, data); err != nil {
		return state, ErrCorrupt
	}
	if record.Type != RecordState ||
		record.Crc != crc32.Checksum(record.Data, crcTable) {
		return state, ErrCRCMismatch
	}
	if err := pd.Unmarshal(&state, record.Data); err != nil {
		return state, ErrCorrupt
	}
	return state, nil
}
