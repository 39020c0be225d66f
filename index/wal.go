package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/opalstore/opal/internal/fs"
)

const (
	walFileName      = "WAL"
	snapshotFileName = "SNAPSHOT"

	walMagic        = "OPALWAL\x00" // 8 bytes
	walVersion      = 1
	walHeaderSize   = 12
	frameHeaderSize = 13

	// Records larger than this are assumed corrupt.
	maxRecordSize = 256 << 20
)

var (
	errInvalidHeader       = errors.New("invalid WAL header")
	errIncompatibleVersion = errors.New("incompatible WAL version")
	errInvalidCRC          = errors.New("invalid WAL record checksum")
	errRecordTooLarge      = errors.New("WAL record too large")
)

type opType uint8

const (
	opUpsert opType = 1
	opRemove opType = 2
)

// record is a single WAL entry.
// On-disk frame: [CRC32: 4][Op: 1][KeyLen: 4][PayloadLen: 4][Key][Payload],
// CRC computed over everything after the checksum itself.
type record struct {
	Op      opType
	Key     string
	Payload []byte
}

func (r *record) encode() []byte {
	keyLen := len(r.Key)
	payloadLen := len(r.Payload)

	buf := make([]byte, 4+1+4+4+keyLen+payloadLen)
	buf[4] = byte(r.Op)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(payloadLen))
	copy(buf[13:], r.Key)
	copy(buf[13+keyLen:], r.Payload)

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// decodeRecord reads one frame. io.EOF at the frame boundary means a clean
// end; io.ErrUnexpectedEOF or a CRC mismatch means a truncated or torn tail.
func decodeRecord(r io.Reader) (record, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return record{}, io.EOF
		}
		return record{}, io.ErrUnexpectedEOF
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	op := opType(header[4])
	keyLen := binary.LittleEndian.Uint32(header[5:9])
	payloadLen := binary.LittleEndian.Uint32(header[9:13])

	if keyLen+payloadLen > maxRecordSize {
		return record{}, errRecordTooLarge
	}

	body := make([]byte, keyLen+payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return record{}, io.ErrUnexpectedEOF
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(body)
	if crc.Sum32() != checksum {
		return record{}, errInvalidCRC
	}

	rec := record{Op: op, Key: string(body[:keyLen])}
	if payloadLen > 0 {
		rec.Payload = bytes.Clone(body[keyLen:])
	}
	return rec, nil
}

// wal is an append-only, CRC-framed log file. Appends are serialized and
// synced before returning, which is what makes Upsert durable on return.
type wal struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	path string
}

func openWAL(fsys fs.FileSystem, path string) (*wal, error) {
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], walVersion)
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if stat.Size() < walHeaderSize {
			f.Close()
			return nil, fmt.Errorf("%w: file too small (%d bytes)", errInvalidHeader, stat.Size())
		}
		header := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if string(header[0:8]) != walMagic {
			f.Close()
			return nil, fmt.Errorf("%w: magic %q", errInvalidHeader, header[0:8])
		}
		if v := binary.LittleEndian.Uint32(header[8:12]); v != walVersion {
			f.Close()
			return nil, fmt.Errorf("%w: version %d (expected %d)", errIncompatibleVersion, v, walVersion)
		}
	}

	return &wal{fs: fsys, file: f, path: path}, nil
}

// Append writes one record followed by an fsync. Durable when it returns.
func (w *wal) Append(rec record) error {
	frame := rec.encode()

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(frame); err != nil {
		return err
	}
	return w.file.Sync()
}

// Replay streams every record after the header through fn, in file order.
// A truncated or CRC-failing tail record ends the replay without error: the
// process crashed mid-append and that record was never durable. The log is
// truncated back to the last valid record so new appends replay cleanly.
func (w *wal) Replay(fn func(rec record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return err
	}

	valid := int64(walHeaderSize)
	torn := false
	for {
		rec, err := decodeRecord(w.file)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errInvalidCRC) || errors.Is(err, errRecordTooLarge) {
			// Torn tail from a crash mid-append; everything before it is intact.
			torn = true
			break
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		valid += int64(frameHeaderSize + len(rec.Key) + len(rec.Payload))
	}

	// Cut the torn bytes off before accepting appends, otherwise records
	// written after them sit behind the corruption and a later replay
	// cannot reach them.
	if torn {
		if err := w.fs.Truncate(w.path, valid); err != nil {
			return err
		}
	}

	// Position back at the end for subsequent appends.
	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

// Reset truncates the log back to its header. Called only after a snapshot
// has been atomically swapped in.
func (w *wal) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.Truncate(w.path, walHeaderSize); err != nil {
		return err
	}
	_, err := w.file.Seek(walHeaderSize, io.SeekStart)
	return err
}

func (w *wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
