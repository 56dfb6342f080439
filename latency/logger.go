package latency

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	DefaultFlushEvery = 1000
	writeBufferSize   = 1 << 20
)

var ErrLogLocked = errors.New("log file is locked by another writer")

// Schema selects the CSV columns.
type Schema uint8

const (
	// SchemaFull logs arrival time, length, sequence and latency.
	SchemaFull Schema = iota
	// SchemaMinimal logs arrival time and length only.
	SchemaMinimal
)

func (s Schema) Header() string {
	if s == SchemaMinimal {
		return "recv_time_us,packet_len"
	}
	return "recv_time_us,packet_len,seq,latency_us"
}

// Logger is an append-only CSV sink for latency records.
// The destination is truncated and exclusively locked until Close.
//
// WARNING: Logger is not safe for concurrent use.
type Logger struct {
	f          *os.File
	w          *bufio.Writer
	schema     Schema
	flushEvery uint64
	written    uint64
	line       []byte
}

// OpenLogger creates or truncates path, locks it and writes the header.
// flushEvery <= 0 selects DefaultFlushEvery.
func OpenLogger(path string, schema Schema, flushEvery int) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	// Lock before truncating so a second writer can't wipe a live log.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLogLocked)
		}
		return nil, fmt.Errorf("locking log: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating log: %w", err)
	}

	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	l := &Logger{
		f:          f,
		w:          bufio.NewWriterSize(f, writeBufferSize),
		schema:     schema,
		flushEvery: uint64(flushEvery),
		line:       make([]byte, 0, 64),
	}
	if _, err := l.w.WriteString(schema.Header() + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return l, nil
}

// Write appends one row and flushes every flushEvery rows.
func (l *Logger) Write(r Record) error {
	b := l.line[:0]
	b = strconv.AppendUint(b, r.ArrivalUs, 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(r.WireLen), 10)
	if l.schema == SchemaFull {
		b = append(b, ',')
		b = strconv.AppendUint(b, uint64(r.Seq), 10)
		b = append(b, ',')
		b = strconv.AppendFloat(b, r.LatencyUs, 'f', 3, 64)
	}
	b = append(b, '\n')
	l.line = b

	if _, err := l.w.Write(b); err != nil {
		return err
	}
	l.written++
	if l.written%l.flushEvery == 0 {
		return l.w.Flush()
	}
	return nil
}

// Written returns the number of rows written so far (header excluded).
func (l *Logger) Written() uint64 { return l.written }

// Flush forces buffered rows to the file.
func (l *Logger) Flush() error { return l.w.Flush() }

// Close flushes, unlocks and closes the file.
func (l *Logger) Close() error {
	var errs []error
	if err := l.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flushing: %w", err))
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing: %w", err))
	}
	return errors.Join(errs...)
}
