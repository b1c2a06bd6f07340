package iesp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// NBD wire constants, grounded on original_source/backend-nbd.cpp and on
// the kernel-side NBD helpers in the retrieval pack (vgough/go-nbd,
// derlaft/go-nbd), which define the same magic numbers and command set
// for the opposite (kernel) direction of this protocol.
const (
	nbdRequestMagic = 0x25609513
	nbdReplyMagic   = 0x67446698

	nbdCmdRead  = 0
	nbdCmdWrite = 1
	nbdCmdFlush = 3
	nbdCmdTrim  = 4

	nbdHelloMagic1 = "NBDMAGIC"
)

// RetryPolicy governs how an NBDBackend reconnects after a transport
// failure. original_source/backend-nbd.cpp retries forever with a fixed
// 1-second sleep; this rewrite turns that into an injectable policy (per
// DESIGN NOTES in SPEC_FULL.md) whose default reproduces that behavior.
type RetryPolicy struct {
	// MaxAttempts <= 0 means retry forever.
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy reproduces original_source's infinite-retry,
// 1-second-backoff behavior.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 0, Backoff: time.Second}
}

// NBDBackend is a Backend that proxies block I/O to a remote Network
// Block Device server over TCP, per §4.1/§6 of SPEC_FULL.md.
type NBDBackend struct {
	addr   string
	retry  RetryPolicy
	conn   net.Conn
	size   uint64
	serial string
	locks  *rangeLockTable
	syncL  chan struct{}
	stats  Stats
}

// NewNBDBackend prepares a client for the NBD server at addr
// ("host:port"). Connection happens in Begin.
func NewNBDBackend(addr string, retry RetryPolicy, nLocks int) *NBDBackend {
	if nLocks <= 0 {
		nLocks = DefaultRangeLocks
	}
	return &NBDBackend{
		addr:   addr,
		retry:  retry,
		locks:  newRangeLockTable(nLocks),
		syncL:  make(chan struct{}, 1),
		serial: GenerateSerial(addr),
	}
}

func (b *NBDBackend) Begin() bool {
	return b.connect(true)
}

// connect dials the server and performs the NBDMAGIC handshake. If retry
// is true it keeps trying per b.retry until it succeeds or the retry
// budget is exhausted.
func (b *NBDBackend) connect(retry bool) bool {
	if b.conn != nil {
		return true
	}

	attempts := 0
	for {
		attempts++
		if err := b.dialOnce(); err != nil {
			logrus.Errorf("NBDBackend: connect to %s: %v", b.addr, err)
			if !retry || (b.retry.MaxAttempts > 0 && attempts >= b.retry.MaxAttempts) {
				return false
			}
			time.Sleep(b.retry.Backoff)
			continue
		}
		return true
	}
}

func (b *NBDBackend) dialOnce() error {
	conn, err := net.Dial("tcp", b.addr)
	if err != nil {
		return err
	}

	hello := make([]byte, 152)
	if _, err := readFull(conn, hello); err != nil {
		conn.Close()
		return fmt.Errorf("NBD hello: %w", err)
	}
	if !bytes.Equal(hello[0:8], []byte(nbdHelloMagic1)) {
		conn.Close()
		return fmt.Errorf("NBD hello: bad magic")
	}
	b.size = binary.BigEndian.Uint64(hello[16:24])
	b.conn = conn
	return nil
}

func (b *NBDBackend) reconnect() bool {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return b.connect(true)
}

func (b *NBDBackend) SizeInBlocks() uint64 { return b.size / b.BlockSize() }
func (b *NBDBackend) BlockSize() uint64    { return 4096 }
func (b *NBDBackend) Serial() string       { return b.serial }
func (b *NBDBackend) Stats() *Stats        { return &b.stats }

type nbdRequest struct {
	typ    uint32
	handle uint64
	offset uint64
	length uint32
}

func (b *NBDBackend) sendRequest(req nbdRequest) error {
	var buf [28]byte
	binary.BigEndian.PutUint32(buf[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], req.typ)
	binary.BigEndian.PutUint64(buf[8:16], req.handle)
	binary.BigEndian.PutUint64(buf[16:24], req.offset)
	binary.BigEndian.PutUint32(buf[24:28], req.length)
	_, err := b.conn.Write(buf[:])
	return err
}

func (b *NBDBackend) recvReply() (uint32, error) {
	var buf [16]byte
	if _, err := readFull(b.conn, buf[:]); err != nil {
		return 0, err
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != nbdReplyMagic {
		return 0, fmt.Errorf("bad NBD reply magic %#x", magic)
	}
	return binary.BigEndian.Uint32(buf[4:8]), nil
}

// invoke runs one NBD request/reply round, transparently reconnecting and
// retrying on any transport error per b.retry; payload is the bytes to
// send after the request header (WRITE) or nil.
func (b *NBDBackend) invoke(req nbdRequest, payload []byte) error {
	attempts := 0
	for {
		attempts++
		if b.conn == nil && !b.connect(true) {
			return fmt.Errorf("NBDBackend: not connected")
		}

		err := func() error {
			if err := b.sendRequest(req); err != nil {
				return err
			}
			if payload != nil {
				if _, err := b.conn.Write(payload); err != nil {
					return err
				}
			}
			errCode, err := b.recvReply()
			if err != nil {
				return err
			}
			if errCode != 0 {
				return fmt.Errorf("NBD server returned error %d", errCode)
			}
			return nil
		}()
		if err == nil {
			return nil
		}

		logrus.Errorf("NBDBackend: request failed, reconnecting: %v", err)
		if b.retry.MaxAttempts > 0 && attempts >= b.retry.MaxAttempts {
			return err
		}
		if !b.reconnect() {
			time.Sleep(b.retry.Backoff)
		}
	}
}

func (b *NBDBackend) Read(blockNr uint64, nBlocks uint32, out []byte) bool {
	n := uint64(nBlocks) * b.BlockSize()
	idxs := b.locks.lockRange(blockNr, nBlocks)
	defer b.locks.unlockRange(idxs)

	start := time.Now()
	attempts := 0
	for {
		attempts++
		if b.conn == nil && !b.connect(true) {
			return false
		}
		err := func() error {
			req := nbdRequest{typ: nbdCmdRead, offset: blockNr * b.BlockSize(), length: uint32(n)}
			if err := b.sendRequest(req); err != nil {
				return err
			}
			errCode, err := b.recvReply()
			if err != nil {
				return err
			}
			if errCode != 0 {
				return fmt.Errorf("NBD server returned error %d", errCode)
			}
			_, err = readFull(b.conn, out[:n])
			return err
		}()
		if err == nil {
			break
		}
		logrus.Errorf("NBDBackend.Read(%d,%d): %v", blockNr, nBlocks, err)
		if b.retry.MaxAttempts > 0 && attempts >= b.retry.MaxAttempts {
			return false
		}
		if !b.reconnect() {
			time.Sleep(b.retry.Backoff)
		}
	}
	b.stats.addRead(n, time.Since(start))
	return true
}

func (b *NBDBackend) Write(blockNr uint64, nBlocks uint32, in []byte) bool {
	return b.writeLocked(blockNr, nBlocks, in, true)
}

func (b *NBDBackend) writeLocked(blockNr uint64, nBlocks uint32, in []byte, takeLock bool) bool {
	n := uint64(nBlocks) * b.BlockSize()
	var idxs []int
	if takeLock {
		idxs = b.locks.lockRange(blockNr, nBlocks)
		defer b.locks.unlockRange(idxs)
	}

	start := time.Now()
	req := nbdRequest{typ: nbdCmdWrite, offset: blockNr * b.BlockSize(), length: uint32(n)}
	if err := b.invoke(req, in[:n]); err != nil {
		return false
	}
	b.stats.addWrite(n, time.Since(start))
	return true
}

func (b *NBDBackend) Trim(blockNr uint64, nBlocks uint32) bool {
	idxs := b.locks.lockRange(blockNr, nBlocks)
	defer b.locks.unlockRange(idxs)

	n := uint64(nBlocks) * b.BlockSize()
	req := nbdRequest{typ: nbdCmdTrim, offset: blockNr * b.BlockSize(), length: uint32(n)}
	if err := b.invoke(req, nil); err != nil {
		return false
	}
	b.stats.addTrim()
	return true
}

func (b *NBDBackend) Sync() bool {
	b.syncL <- struct{}{}
	defer func() { <-b.syncL }()

	if err := b.invoke(nbdRequest{typ: nbdCmdFlush}, nil); err != nil {
		return false
	}
	b.stats.addSync()
	return true
}

// CmpWrite synthesizes compare-and-write from read + compare + write
// under a single acquisition of the range lock. original_source's
// backend_nbd::cmpwrite was `assert(0)` (Open Question (a) in
// SPEC_FULL.md §9); this rewrite resolves that by reusing the same
// range-locked read/write primitives every other NBD operation already
// goes through, rather than propagating "unsupported" to the initiator.
func (b *NBDBackend) CmpWrite(blockNr uint64, nBlocks uint32, write, compare []byte) CmpWriteResult {
	idxs := b.locks.lockRange(blockNr, nBlocks)
	defer b.locks.unlockRange(idxs)

	n := uint64(nBlocks) * b.BlockSize()
	cur := make([]byte, n)
	if !b.readLocked(blockNr, nBlocks, cur) {
		return CmpWriteReadError
	}
	if !bytesAllEqual(cur, compare[:n]) {
		return CmpWriteMismatch
	}
	if !b.writeLocked(blockNr, nBlocks, write, false) {
		return CmpWriteWriteError
	}
	return CmpWriteOk
}

// readLocked assumes the caller already holds the range lock.
func (b *NBDBackend) readLocked(blockNr uint64, nBlocks uint32, out []byte) bool {
	n := uint64(nBlocks) * b.BlockSize()
	req := nbdRequest{typ: nbdCmdRead, offset: blockNr * b.BlockSize(), length: uint32(n)}
	attempts := 0
	for {
		attempts++
		if b.conn == nil && !b.connect(true) {
			return false
		}
		err := func() error {
			if err := b.sendRequest(req); err != nil {
				return err
			}
			errCode, err := b.recvReply()
			if err != nil {
				return err
			}
			if errCode != 0 {
				return fmt.Errorf("NBD server returned error %d", errCode)
			}
			_, err = readFull(b.conn, out[:n])
			return err
		}()
		if err == nil {
			return true
		}
		if b.retry.MaxAttempts > 0 && attempts >= b.retry.MaxAttempts {
			return false
		}
		if !b.reconnect() {
			time.Sleep(b.retry.Backoff)
		}
	}
}

func (b *NBDBackend) FreeSpacePercent() uint8 {
	buf := make([]byte, b.BlockSize())
	return estimateFreeSpacePercent(b.SizeInBlocks(), b.BlockSize(), func(blockNr uint64) ([]byte, bool) {
		if !b.Read(blockNr, 1, buf) {
			return nil, false
		}
		return buf, true
	})
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
