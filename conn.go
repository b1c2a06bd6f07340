package iesp

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/folkertvanheusden/go-iesp/scsi"
)

// errDigestMismatch marks a header/data digest failure so Serve can emit a
// Reject PDU before closing, per SPEC_FULL.md's DigestMismatch error class
// (Reject "Data digest error" then close) instead of a silent drop.
var errDigestMismatch = errors.New("iesp: digest mismatch")

// Conn is one TCP connection's iSCSI protocol handler: BHS receive loop,
// login negotiation, and SCSI command dispatch, adapted from the
// teacher's poll.go event-loop shape (accept PDU, dispatch, reply) but
// driven by blocking reads on a net.Conn instead of epoll over a TCMU
// device's command ring.
type Conn struct {
	nc       net.Conn
	target   string
	portal   string
	backend  Backend
	exec     *Executor
	session  *Session
	digests  digestNegotiation
}

// NewConn wraps an accepted connection. backend and targetName identify
// the single LUN this target exports.
func NewConn(nc net.Conn, targetName, portalAddr string, backend Backend) *Conn {
	return &Conn{
		nc:      nc,
		target:  targetName,
		portal:  portalAddr,
		backend: backend,
		exec:    NewExecutor(backend),
	}
}

// Serve runs the connection's PDU loop until the initiator logs out,
// closes the socket, or a protocol error forces a close.
func (c *Conn) Serve() {
	defer c.nc.Close()
	for {
		b, data, err := c.readPDU()
		if err != nil {
			if errors.Is(err, errDigestMismatch) {
				c.backend.Stats().addDigestError()
				logrus.Warnf("conn %s: data digest error", c.nc.RemoteAddr())
				c.reject(RejectReasonDataDigestError, c.statSNForReject(), b)
				return
			}
			if err != io.EOF {
				logrus.Debugf("conn %s: read: %v", c.nc.RemoteAddr(), err)
			}
			return
		}

		if c.session == nil || c.session.State != StateFullFeature {
			if !c.handleLoginPhase(b, data) {
				return
			}
			continue
		}

		if !c.dispatchFullFeature(b, data) {
			return
		}
	}
}

// readPDU reads one BHS, its (always absent, for this target) AHS, data
// segment, and digests.
func (c *Conn) readPDU() (*bhs, []byte, error) {
	hdr := make([]byte, bhsSize)
	if _, err := io.ReadFull(c.nc, hdr); err != nil {
		return nil, nil, err
	}
	b, err := parseBHS(hdr)
	if err != nil {
		return nil, nil, err
	}

	if c.digests.Header {
		var dg [4]byte
		if _, err := io.ReadFull(c.nc, dg[:]); err != nil {
			return nil, nil, err
		}
		if binary.BigEndian.Uint32(dg[:]) != headerDigest(hdr) {
			return b, nil, errDigestMismatch
		}
	}

	// AHS is never negotiated by this target; AHSLen is expected to be 0.
	if n := b.AHSLen(); n > 0 {
		ahs := make([]byte, n*4)
		if _, err := io.ReadFull(c.nc, ahs); err != nil {
			return nil, nil, err
		}
	}

	dlen := b.DataSegmentLen()
	var data []byte
	if dlen > 0 {
		total := dlen + padLen(dlen)
		buf := make([]byte, total)
		if _, err := io.ReadFull(c.nc, buf); err != nil {
			return nil, nil, err
		}
		data = buf[:dlen]

		if c.digests.Data {
			var dg [4]byte
			if _, err := io.ReadFull(c.nc, dg[:]); err != nil {
				return nil, nil, err
			}
			if binary.BigEndian.Uint32(dg[:]) != dataDigest(buf) {
				return b, nil, errDigestMismatch
			}
		}
	}

	return b, data, nil
}

func (c *Conn) write(b *bhs, data []byte) error {
	if _, err := c.nc.Write(b.Bytes()); err != nil {
		return err
	}
	if c.digests.Header {
		var dg [4]byte
		binary.BigEndian.PutUint32(dg[:], headerDigest(b.Bytes()))
		if _, err := c.nc.Write(dg[:]); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}
	padded := padded4(data)
	if _, err := c.nc.Write(padded); err != nil {
		return err
	}
	if c.digests.Data {
		var dg [4]byte
		binary.BigEndian.PutUint32(dg[:], dataDigest(padded))
		if _, err := c.nc.Write(dg[:]); err != nil {
			return err
		}
	}
	return nil
}

// handleLoginPhase drives the security/operational negotiation state
// machine until CSG/NSG=FullFeature is agreed, then flips the session
// into StateFullFeature.
func (c *Conn) handleLoginPhase(b *bhs, data []byte) bool {
	if b.Opcode() != OpLoginReq {
		c.reject(RejectReasonInvalidPDUField, 0, b)
		return false
	}

	req := ParseLoginRequest(b, data)
	isLeadingLogin := c.session == nil
	if isLeadingLogin {
		c.session = NewSession(req.ISID, req.CID)
		// The command window starts at the leading login's CmdSN.
		c.session.ExpCmdSN = req.CmdSN
		c.session.MaxCmdSN += req.CmdSN
	}
	s := c.session
	// The leading Login Request's CmdSN occupies the session's first
	// command slot, same as any other non-immediate PDU (SPEC_FULL.md
	// §4.4); this is what lets the first full-feature command's CmdSN
	// be ExpCmdSN+1 rather than ExpCmdSN.
	s.AcceptCmdSN(req.CmdSN, false)

	offered := parseTextKV(req.Key)
	answer, order, digests := negotiateLogin(offered, isLeadingLogin)

	// This target collapses the RFC's security and operational stages
	// into a single operational negotiation (AuthMethod=None is the only
	// value it ever offers), so a Transit always advances straight to
	// full-feature rather than stepping through an intermediate stage.
	nsg := req.NSG
	if req.Transit {
		nsg = StageFullFeature
	}

	body := buildTextKV(order, answer)
	resp := BuildLoginResponse(req.InitiatorTask, req.ISID, s.TSIH, req.Transit, false, req.CSG, nsg,
		s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN, 0x00, 0x00, TargetPortalGroupTag, len(body))
	if err := c.write(resp, body); err != nil {
		return false
	}

	if req.Transit {
		c.digests = digests
	}
	if req.Transit && nsg == StageFullFeature {
		s.State = StateFullFeature
	} else {
		s.State = StateLoginOperational
	}
	return true
}

// dispatchFullFeature handles one PDU once the session has reached the
// full-feature phase.
func (c *Conn) dispatchFullFeature(b *bhs, data []byte) bool {
	s := c.session
	switch b.Opcode() {
	case OpNopOut:
		return c.handleNopOut(b)
	case OpTextReq:
		return c.handleTextRequest(b, data)
	case OpSCSICommand:
		return c.handleScsiCommand(b, data)
	case OpSCSIDataOut:
		return c.handleDataOut(b, data)
	case OpLogoutReq:
		return c.handleLogout(b)
	default:
		c.reject(RejectReasonCmdNotSupported, s.AdvanceStatSN(), b)
		return true
	}
}

// acceptCmdSN folds a full-feature PDU's CmdSN into the session's ordering
// window (SPEC_FULL.md §4.4) and rejects it as a protocol error if it falls
// outside that window, so the ExpCmdSN/MaxCmdSN fields every response PDU
// echoes actually advance instead of staying frozen at their NewSession
// values.
func (c *Conn) acceptCmdSN(b *bhs, cmdSN uint32) bool {
	s := c.session
	if s.AcceptCmdSN(cmdSN, b.Immediate()) {
		return true
	}
	logrus.Warnf("conn %s: out-of-order CmdSN %d (want %d)", c.nc.RemoteAddr(), cmdSN, s.ExpCmdSN)
	c.reject(RejectReasonProtocolError, s.AdvanceStatSN(), b)
	return false
}

func (c *Conn) handleNopOut(b *bhs) bool {
	n := ParseNopOut(b)
	if n.InitiatorTask == 0xffffffff {
		return true // initiator response to a target-initiated NOP-In: nothing to answer
	}
	if !c.acceptCmdSN(b, n.CmdSN) {
		return true
	}
	s := c.session
	resp := BuildNopIn(n.InitiatorTask, 0xffffffff, s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN, 0)
	return c.write(resp, nil) == nil
}

func (c *Conn) handleTextRequest(b *bhs, data []byte) bool {
	req := ParseTextRequest(b, data)
	if !c.acceptCmdSN(b, req.CmdSN) {
		return true
	}
	kv := parseTextKV(req.Key)
	s := c.session

	var body []byte
	if _, ok := kv["SendTargets"]; ok {
		body = buildSendTargets(c.target, c.portal, TargetPortalGroupTag)
	}

	resp := BuildTextResponse(req.InitiatorTask, 0xffffffff, true, s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN, len(body))
	return c.write(resp, body) == nil
}

func (c *Conn) handleLogout(b *bhs) bool {
	req := ParseLogoutRequest(b)
	s := c.session
	s.State = StateLoggingOut
	resp := BuildLogoutResponse(req.InitiatorTask, 0x00, s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN)
	_ = c.write(resp, nil)
	return false
}

// handleScsiCommand executes a SCSI Command PDU. Reads and commands with
// immediate/unsolicited write data already attached run to completion
// inline; writes needing more data than arrived with the command go
// through the R2T flow in handleDataOut.
func (c *Conn) handleScsiCommand(b *bhs, data []byte) bool {
	cmd := ParseScsiCommand(b)
	if !c.acceptCmdSN(b, cmd.CmdSN) {
		return true
	}
	lun := binary.BigEndian.Uint16(cmd.LUN[0:2])

	if cmd.Write && uint32(len(data)) < cmd.ExpectedDataTransferLn {
		return c.beginR2T(cmd, uint64(lun), data)
	}

	result := c.exec.Execute(uint64(lun), cmd.CDB[:], data)
	return c.sendScsiResult(cmd.InitiatorTask, result)
}

// beginR2T requests the remainder of a write's data via a single R2T PDU
// (this target never negotiates MaxOutstandingR2T above 1) and registers
// the reassembly state the following Data-Out PDUs fill in.
func (c *Conn) beginR2T(cmd ScsiCommand, lun uint64, already []byte) bool {
	s := c.session
	blockNr, nBlocks := decodeLBA(cmd.CDB[:])
	ttt, r2tSN := s.NewR2T(cmd.InitiatorTask, lun, blockNr, nBlocks, cmd.CDB, cmd.ExpectedDataTransferLn)
	if len(already) > 0 {
		s.AppendDataOut(ttt, 0, already, false)
	}
	// An R2T carries the current StatSN without advancing it.
	r2t := BuildR2T(cmd.InitiatorTask, ttt, s.StatSN, s.ExpCmdSN, s.MaxCmdSN, r2tSN,
		uint32(len(already)), cmd.ExpectedDataTransferLn-uint32(len(already)))
	return c.write(r2t, nil) == nil
}

func (c *Conn) handleDataOut(b *bhs, data []byte) bool {
	out := ParseDataOut(b)
	s := c.session
	r, done := s.AppendDataOut(out.TargetTTT, out.BufferOffset, data, out.Final)
	if !done {
		return true
	}

	result := c.exec.Execute(r.lun, r.cdb[:], r.buf)
	return c.sendScsiResult(r.itt, result)
}

func (c *Conn) sendScsiResult(itt uint32, result Result) bool {
	s := c.session
	if result.Status != scsi.SamStatGood {
		// The data segment is a 2-byte SenseLength followed by the sense bytes.
		sense := make([]byte, 2+len(result.Sense))
		binary.BigEndian.PutUint16(sense[0:2], uint16(len(result.Sense)))
		copy(sense[2:], result.Sense)
		resp := BuildScsiResponse(itt, result.Status, s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN, 0, false, len(sense))
		return c.write(resp, sense) == nil
	}
	if len(result.Data) > 0 {
		in := BuildDataIn(itt, 0xffffffff, true, true, scsi.SamStatGood, s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN, 0, 0, len(result.Data))
		return c.write(in, result.Data) == nil
	}
	resp := BuildScsiResponse(itt, scsi.SamStatGood, s.AdvanceStatSN(), s.ExpCmdSN, s.MaxCmdSN, 0, false, 0)
	return c.write(resp, nil) == nil
}

// statSNForReject returns the StatSN to stamp on a Reject PDU raised before
// dispatch, matching the teacher's session-optional reject() call sites: 0
// before a session exists (login phase), otherwise the next StatSN.
func (c *Conn) statSNForReject() uint32 {
	if c.session == nil {
		return 0
	}
	return c.session.AdvanceStatSN()
}

// reject emits a Reject PDU whose data segment carries the rejected PDU's
// 48-byte BHS, per RFC 7143 and BuildReject's documented contract; offending
// may be nil if the malformed PDU could not even be parsed into a *bhs.
func (c *Conn) reject(reason byte, statSN uint32, offending *bhs) {
	resp := BuildReject(reason, statSN, 0, 0, 0)
	var data []byte
	if offending != nil {
		data = offending.Bytes()
	} else {
		resp.SetDataSegmentLen(0)
	}
	_ = c.write(resp, data)
}

// decodeLBA extracts the block number and block count from a Write 6/10/16
// CDB stored in its fixed 16-byte field, dispatching on the opcode byte
// the same way executor.go's CDB dispatcher does (a CDB's wire length
// depends on its opcode, not on the fixed-size field it is stored in).
func decodeLBA(cdb []byte) (blockNr uint64, nBlocks uint32) {
	switch cdb[0] {
	case scsi.Write16:
		return binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14])
	case scsi.Write6:
		return uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3]), sixByteLen(cdb[4])
	default: // Write10, WriteVerify
		return uint64(binary.BigEndian.Uint32(cdb[2:6])), uint32(binary.BigEndian.Uint16(cdb[7:9]))
	}
}
