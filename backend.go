package iesp

import (
	"crypto/rand"
	"encoding/binary"
)

// CmpWriteResult is the outcome of a compare-and-write.
type CmpWriteResult int

const (
	CmpWriteOk CmpWriteResult = iota
	CmpWriteMismatch
	CmpWriteReadError
	CmpWriteWriteError
)

// Backend is the polymorphic block device surface the SCSI executor is
// bound to: file, network block device, or (on constrained builds) an
// SD-card driver. It replaces the teacher's ReadWriterAt io.ReaderAt/
// io.WriterAt pairing with the richer surface this spec needs (trim,
// sync, compare-and-write, free-space estimation) while keeping the same
// "plain interface, no virtual base" shape original_source's backend
// class used a C++ abstract base for.
type Backend interface {
	// Begin opens the device. It is idempotent and returns false on
	// unrecoverable failure.
	Begin() bool

	SizeInBlocks() uint64
	BlockSize() uint64

	// Read fills out[:n_blocks*BlockSize] with data from (blockNr, nBlocks).
	Read(blockNr uint64, nBlocks uint32, out []byte) bool
	// Write stores in[:n_blocks*BlockSize] at (blockNr, nBlocks).
	Write(blockNr uint64, nBlocks uint32, in []byte) bool
	// Trim is a best-effort erase; it may fall back to writing zeros.
	Trim(blockNr uint64, nBlocks uint32) bool
	// Sync flushes durably, returning only once the backing store
	// acknowledges.
	Sync() bool
	// CmpWrite does a range-locked read, compares against compare, and
	// writes write only if they matched.
	CmpWrite(blockNr uint64, nBlocks uint32, write, compare []byte) CmpWriteResult

	// FreeSpacePercent estimates the fraction of the device that reads
	// as all-zero, for thin-provisioning GET LBA STATUS hints.
	FreeSpacePercent() uint8

	// Serial is this device's SCSI product serial number, used by
	// INQUIRY.
	Serial() string

	// Stats exposes the running I/O counters for this backend.
	Stats() *Stats
}

// DefaultSerial is used by INQUIRY when a backend cannot produce its own
// serial number.
const DefaultSerial = "deadbeef"

// estimateFreeSpacePercent implements the "sample 100 random blocks,
// count the all-zero ones" heuristic from original_source/backend.cpp's
// get_free_space_percentage, including its jitter-around-evenly-spaced-
// buckets trick to defeat periodic on-disk layouts. read is a closure
// over whichever concrete backend is asking (so both file and NBD
// backends can share this helper instead of duplicating the sampling
// logic original_source left on the shared base class).
func estimateFreeSpacePercent(sizeInBlocks uint64, blockSize uint64, read func(blockNr uint64) ([]byte, bool)) uint8 {
	th100 := sizeInBlocks / 100
	if th100 == 0 {
		return 0
	}

	empty := make([]byte, blockSize)
	var emptyCount uint8

	for i := 0; i < 100; i++ {
		blockNr := uint64(i) * th100
		jitter := int64(randUint64n(th100*2)) - int64(th100)
		bn := int64(blockNr) + jitter
		if bn < 0 || uint64(bn) >= sizeInBlocks {
			bn = int64(blockNr)
		}

		buf, ok := read(uint64(bn))
		if !ok {
			return 0
		}
		if bytesAllEqual(buf, empty) {
			emptyCount++
		}
	}

	return emptyCount
}

func bytesAllEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// randUint64n returns a cryptographically random value in [0, n). It is
// used only for the free-space sampler's jitter, never on any hot I/O path.
func randUint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:]) % n
}
