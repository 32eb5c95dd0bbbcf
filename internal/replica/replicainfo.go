// Package replica implements the replication and verification control
// plane: a Controller hosting long-lived Jobs that fan batched requests out
// to every enabled worker, aggregate per-worker outcomes, and persist their
// state transitions.
package replica

import (
	"strings"
	"time"
)

// ReplicaStatus is the health of one chunk replica on one worker.
type ReplicaStatus string

const (
	ReplicaComplete   ReplicaStatus = "COMPLETE"
	ReplicaIncomplete ReplicaStatus = "INCOMPLETE"
	ReplicaCorrupt    ReplicaStatus = "CORRUPT"
)

// FileInfo describes one file of a replica. Checksum may be empty when the
// worker has not computed one.
type FileInfo struct {
	Name     string
	Size     int64
	Mtime    time.Time
	Checksum string
}

// ReplicaInfo describes one chunk replica: the worker that owns it, the
// database and chunk it materializes, and its files.
type ReplicaInfo struct {
	Worker      string
	Database    string
	Chunk       int
	Status      ReplicaStatus
	Files       []FileInfo
	InspectedAt time.Time
}

// ReplicaDiff captures every way two observations of a replica can
// disagree. The zero value means equal.
type ReplicaDiff struct {
	Replica1 ReplicaInfo
	Replica2 ReplicaInfo

	StatusMismatch       bool
	FileCountMismatch    bool
	FileNamesMismatch    bool
	FileSizeMismatch     bool
	FileChecksumMismatch bool
	FileMtimeMismatch    bool
}

// NewReplicaDiff compares two observations of the same (database, chunk).
// Checksums are compared only when both sides carry one.
func NewReplicaDiff(r1, r2 ReplicaInfo) ReplicaDiff {
	d := ReplicaDiff{Replica1: r1, Replica2: r2}

	if r1.Status != r2.Status {
		d.StatusMismatch = true
	}
	if len(r1.Files) != len(r2.Files) {
		d.FileCountMismatch = true
	}

	files1 := map[string]FileInfo{}
	for _, f := range r1.Files {
		files1[f.Name] = f
	}
	for _, f2 := range r2.Files {
		f1, ok := files1[f2.Name]
		if !ok {
			d.FileNamesMismatch = true
			continue
		}
		if f1.Size != f2.Size {
			d.FileSizeMismatch = true
		}
		if f1.Checksum != "" && f2.Checksum != "" && f1.Checksum != f2.Checksum {
			d.FileChecksumMismatch = true
		}
		if !f1.Mtime.Equal(f2.Mtime) {
			d.FileMtimeMismatch = true
		}
	}
	names2 := map[string]bool{}
	for _, f := range r2.Files {
		names2[f.Name] = true
	}
	for name := range files1 {
		if !names2[name] {
			d.FileNamesMismatch = true
		}
	}

	return d
}

// NotEqual reports whether any mismatch flag is set.
func (d *ReplicaDiff) NotEqual() bool {
	return d.StatusMismatch || d.FileCountMismatch || d.FileNamesMismatch ||
		d.FileSizeMismatch || d.FileChecksumMismatch || d.FileMtimeMismatch
}

// Flags2String renders the diff as "EQUAL" or "DIFF " followed by the set
// flags.
func (d *ReplicaDiff) Flags2String() string {
	if !d.NotEqual() {
		return "EQUAL"
	}
	flags := []string{}
	if d.StatusMismatch {
		flags = append(flags, "STATUS")
	}
	if d.FileCountMismatch {
		flags = append(flags, "FILE_COUNT")
	}
	if d.FileNamesMismatch {
		flags = append(flags, "FILE_NAMES")
	}
	if d.FileSizeMismatch {
		flags = append(flags, "FILE_SIZE")
	}
	if d.FileChecksumMismatch {
		flags = append(flags, "FILE_CHECKSUM")
	}
	if d.FileMtimeMismatch {
		flags = append(flags, "FILE_MTIME")
	}
	return "DIFF " + strings.Join(flags, ",")
}
