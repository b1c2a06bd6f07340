package iesp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// SessionState tracks where a connection sits in the iSCSI login/full-
// feature/logout state machine, adapted from the phase tracking
// original_source/session.cpp keeps per connection.
type SessionState int

const (
	StateSecurityNegotiation SessionState = iota
	StateLoginOperational
	StateFullFeature
	StateLoggingOut
)

// r2tState tracks one outstanding Ready-To-Transfer for a write command
// awaiting Data-Out PDUs, keyed by its Target Transfer Tag.
type r2tState struct {
	itt          uint32
	lun          uint64
	blockNr      uint64
	nBlocks      uint32
	cdb          [16]byte
	buf          []byte
	received     uint32
	r2tSN        uint32
	bufferOffset uint32
}

// Session is one negotiated iSCSI session: the ISID/TSIH pair plus its
// sequence-number state and any in-flight R2T transfers, grounded on
// original_source/session.h's session struct.
type Session struct {
	mu sync.Mutex

	ISID [6]byte
	TSIH uint16
	CID  uint16

	State SessionState

	CmdSN    uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
	StatSN   uint32

	Params map[string]string

	r2ts map[uint32]*r2tState
	nTTT uint32
}

// NewSession allocates a session with a freshly generated TSIH, the way
// original_source/iscsi.cpp mints one on the first Login Request of a new
// session (ISID/TSIH pair not already known).
func NewSession(isid [6]byte, cid uint16) *Session {
	return &Session{
		ISID:     isid,
		CID:      cid,
		TSIH:     genTSIH(),
		State:    StateSecurityNegotiation,
		ExpCmdSN: 0,
		MaxCmdSN: 64,
		StatSN:   genStatSN(),
		Params:   make(map[string]string),
		r2ts:     make(map[uint32]*r2tState),
	}
}

func genTSIH() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint16(b[:])
	if v == 0 {
		v = 1 // TSIH 0 is reserved for "new session" in the Login Request
	}
	return v
}

func genStatSN() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) & 0x7fffffff
}

func genTTT() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// AdvanceStatSN returns the StatSN to stamp on the next response PDU and
// increments the counter, per the "one StatSN per non-immediate response"
// rule in SPEC_FULL.md §4.4 (property 8).
func (s *Session) AdvanceStatSN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.StatSN
	s.StatSN++
	return v
}

// AcceptCmdSN validates and folds an incoming CmdSN into the session's
// ordering window. An immediate PDU is always accepted and leaves the
// window as it is; any other CmdSN is accepted only if it equals ExpCmdSN,
// which then advances ExpCmdSN and MaxCmdSN by one. It returns false for
// every other CmdSN, including one that lies later in [ExpCmdSN, MaxCmdSN].
func (s *Session) AcceptCmdSN(cmdSN uint32, immediate bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if immediate {
		return true
	}
	if cmdSN != s.ExpCmdSN {
		return false
	}
	s.ExpCmdSN++
	s.MaxCmdSN++
	return true
}

// NewR2T registers an outstanding write awaiting Data-Out PDUs and
// returns its Target Transfer Tag plus the R2T sequence number to stamp
// on the PDU announcing it.
func (s *Session) NewR2T(itt uint32, lun, blockNr uint64, nBlocks uint32, cdb [16]byte, totalLen uint32) (ttt uint32, r2tSN uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttt = genTTT()
	for s.r2ts[ttt] != nil {
		ttt = genTTT()
	}
	s.r2ts[ttt] = &r2tState{
		itt:     itt,
		lun:     lun,
		blockNr: blockNr,
		nBlocks: nBlocks,
		cdb:     cdb,
		buf:     make([]byte, totalLen),
	}
	return ttt, 0
}

// AppendDataOut folds a Data-Out PDU's payload into its R2T's reassembly
// buffer. Once the final Data-Out for that transfer arrives it removes
// and returns the R2T state for the caller to execute the write from.
func (s *Session) AppendDataOut(ttt uint32, bufferOffset uint32, data []byte, final bool) (*r2tState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.r2ts[ttt]
	if !ok {
		return nil, false
	}
	copy(r.buf[bufferOffset:], data)
	r.received += uint32(len(data))
	if !final {
		return nil, false
	}
	delete(s.r2ts, ttt)
	return r, true
}
