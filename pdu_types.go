package iesp

// Per-opcode typed views over a bhs, translated from original_source's
// iscsi-pdu.h bitfield structs into explicit byte-offset accessors --
// idiomatic Go has no portable bitfields, so this follows the same
// "shift and mask" style the teacher used for CDB field access in its
// (now removed) scsi_handler.go LBA()/XferLen() helpers.

// Login stages, for the CSG/NSG fields.
const (
	StageSecurityNegotiation = 0
	StageLoginOperational    = 1
	StageFullFeature         = 3
)

// LoginRequest is the parsed form of an iSCSI Login Request PDU.
type LoginRequest struct {
	Transit       bool
	Continue      bool
	CSG, NSG      uint8
	VersionMax    byte
	VersionMin    byte
	ISID          [6]byte
	TSIH          uint16
	InitiatorTask uint32
	CID           uint16
	CmdSN         uint32
	ExpStatSN     uint32
	Key           []byte // raw key=value text, not yet split on '\x00'
}

func ParseLoginRequest(b *bhs, data []byte) LoginRequest {
	f := b.Field28()
	var r LoginRequest
	r.Transit = b.buf1()&0x80 != 0
	r.Continue = b.buf1()&0x40 != 0
	r.CSG = (b.buf1() >> 2) & 0x3
	r.NSG = b.buf1() & 0x3
	r.VersionMax = b.buf[2]
	r.VersionMin = b.buf[3]
	lun := b.LUN()
	copy(r.ISID[:], lun[0:6])
	r.TSIH = getUint16BE(lun[6:8])
	r.InitiatorTask = b.InitiatorTaskTag()
	r.CID = getUint16BE(f[0:2])
	r.CmdSN = getUint32BE(f[4:8])
	r.ExpStatSN = getUint32BE(f[8:12])
	r.Key = data
	return r
}

// buf1 exposes byte1 for opcodes whose F/T/C bit semantics vary per
// opcode (kept unexported: only this file's Parse/Build pairs touch it).
func (b *bhs) buf1() byte { return b.buf[1] }

// BuildLoginResponse serializes the BHS for a Login Response; the caller
// appends the negotiated key=value text (plus its own padding) as the
// PDU's data segment.
func BuildLoginResponse(itt uint32, isid [6]byte, tsih uint16, transit, cont bool, csg, nsg uint8, statSN, expCmdSN, maxCmdSN uint32, statusClass, statusDetail byte, tpgt uint16, dataLen int) *bhs {
	b := newBHS(OpLoginResp)
	var flags byte
	if transit {
		flags |= 0x80
	}
	if cont {
		flags |= 0x40
	}
	flags |= (csg & 0x3) << 2
	flags |= nsg & 0x3
	b.buf[1] = flags
	b.buf[2] = 0x00 // VersionMax
	b.buf[3] = 0x00 // ActiveVersion
	var lun [8]byte
	copy(lun[0:6], isid[:])
	putUint16BE(lun[6:8], tsih)
	b.SetLUN(lun)
	b.SetInitiatorTaskTag(itt)
	b.SetDataSegmentLen(dataLen)
	f := b.Field28()
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	f[16] = statusClass
	f[17] = statusDetail
	_ = tpgt // carried in the text key=value body, not the BHS
	return b
}

// TextRequest is the parsed form of a Text Request PDU.
type TextRequest struct {
	Final         bool
	Continue      bool
	InitiatorTask uint32
	TargetTTT     uint32
	CmdSN         uint32
	ExpStatSN     uint32
	Key           []byte
}

func ParseTextRequest(b *bhs, data []byte) TextRequest {
	f := b.Field28()
	return TextRequest{
		Final:         b.buf1()&0x80 != 0,
		Continue:      b.buf1()&0x40 != 0,
		InitiatorTask: b.InitiatorTaskTag(),
		TargetTTT:     getUint32BE(f[0:4]),
		CmdSN:         getUint32BE(f[4:8]),
		ExpStatSN:     getUint32BE(f[8:12]),
		Key:           data,
	}
}

func BuildTextResponse(itt, ttt uint32, final bool, statSN, expCmdSN, maxCmdSN uint32, dataLen int) *bhs {
	b := newBHS(OpTextResp)
	if final {
		b.buf[1] = 0x80
	}
	b.SetInitiatorTaskTag(itt)
	b.SetDataSegmentLen(dataLen)
	f := b.Field28()
	putUint32BE(f[0:4], ttt)
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	return b
}

// ScsiCommand is the parsed form of a SCSI Command PDU.
type ScsiCommand struct {
	Final                  bool
	Read, Write            bool
	LUN                    [8]byte
	InitiatorTask          uint32
	ExpectedDataTransferLn uint32
	CmdSN                  uint32
	ExpStatSN              uint32
	CDB                    [16]byte
}

func ParseScsiCommand(b *bhs) ScsiCommand {
	f := b.Field28()
	var cdb [16]byte
	copy(cdb[:], f[12:28])
	return ScsiCommand{
		Final:                  b.buf1()&0x80 != 0,
		Read:                   b.buf1()&0x40 != 0,
		Write:                  b.buf1()&0x20 != 0,
		LUN:                    b.LUN(),
		InitiatorTask:          b.InitiatorTaskTag(),
		ExpectedDataTransferLn: getUint32BE(f[0:4]),
		CmdSN:                  getUint32BE(f[4:8]),
		ExpStatSN:              getUint32BE(f[8:12]),
		CDB:                    cdb,
	}
}

// BuildScsiResponse builds a SCSI Response PDU (opcode 0x21) whose data
// segment, if any, carries sense data.
func BuildScsiResponse(itt uint32, status byte, statSN, expCmdSN, maxCmdSN, residualCount uint32, underflow bool, dataLen int) *bhs {
	b := newBHS(OpSCSIResponse)
	b.buf[1] = 0x80 // F always set: this target never splits a response
	if underflow {
		b.buf[1] |= 0x02 // U
	}
	b.buf[2] = 0x00 // Response: command completed at the SCSI level
	b.buf[3] = status
	b.SetInitiatorTaskTag(itt)
	b.SetDataSegmentLen(dataLen)
	f := b.Field28()
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	putUint32BE(f[24:28], residualCount)
	return b
}

// BuildDataIn builds a SCSI Data-In PDU segment.
func BuildDataIn(itt, ttt uint32, final, withStatus bool, status byte, statSN, expCmdSN, maxCmdSN, dataSN, bufferOffset uint32, dataLen int) *bhs {
	b := newBHS(OpSCSIDataIn)
	var flags byte
	if final {
		flags |= 0x80
	}
	if withStatus {
		flags |= 0x01 // S
	}
	b.buf[1] = flags
	if withStatus {
		b.buf[3] = status
	}
	b.SetInitiatorTaskTag(itt)
	b.SetDataSegmentLen(dataLen)
	f := b.Field28()
	putUint32BE(f[0:4], ttt)
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	putUint32BE(f[16:20], dataSN)
	putUint32BE(f[20:24], bufferOffset)
	return b
}

// DataOut is the parsed form of a SCSI Data-Out PDU.
type DataOut struct {
	Final         bool
	InitiatorTask uint32
	TargetTTT     uint32
	DataSN        uint32
	BufferOffset  uint32
}

func ParseDataOut(b *bhs) DataOut {
	f := b.Field28()
	return DataOut{
		Final:         b.buf1()&0x80 != 0,
		InitiatorTask: b.InitiatorTaskTag(),
		TargetTTT:     getUint32BE(f[0:4]),
		DataSN:        getUint32BE(f[16:20]),
		BufferOffset:  getUint32BE(f[20:24]),
	}
}

// BuildR2T builds a Ready-To-Transfer PDU requesting desiredLen bytes
// starting at bufferOffset.
func BuildR2T(itt, ttt uint32, statSN, expCmdSN, maxCmdSN, r2tSN, bufferOffset, desiredLen uint32) *bhs {
	b := newBHS(OpR2T)
	b.buf[1] = 0x80
	b.SetInitiatorTaskTag(itt)
	f := b.Field28()
	putUint32BE(f[0:4], ttt)
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	putUint32BE(f[16:20], r2tSN)
	putUint32BE(f[20:24], bufferOffset)
	putUint32BE(f[24:28], desiredLen)
	return b
}

// NopOut is the parsed form of a NOP-Out PDU (initiator ping or response
// to a target-initiated NOP-In).
type NopOut struct {
	InitiatorTask uint32
	TargetTTT     uint32
	CmdSN         uint32
	ExpStatSN     uint32
}

func ParseNopOut(b *bhs) NopOut {
	f := b.Field28()
	return NopOut{
		InitiatorTask: b.InitiatorTaskTag(),
		TargetTTT:     getUint32BE(f[0:4]),
		CmdSN:         getUint32BE(f[4:8]),
		ExpStatSN:     getUint32BE(f[8:12]),
	}
}

// BuildNopIn builds a target-initiated (or echoed) NOP-In PDU.
func BuildNopIn(itt, ttt, statSN, expCmdSN, maxCmdSN uint32, dataLen int) *bhs {
	b := newBHS(OpNopIn)
	b.buf[1] = 0x80
	b.SetInitiatorTaskTag(itt)
	b.SetDataSegmentLen(dataLen)
	f := b.Field28()
	putUint32BE(f[0:4], ttt)
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	return b
}

// LogoutRequest is the parsed form of a Logout Request PDU.
type LogoutRequest struct {
	ReasonCode    byte
	InitiatorTask uint32
	CID           uint16
	CmdSN         uint32
	ExpStatSN     uint32
}

const (
	LogoutReasonCloseSession    = 0
	LogoutReasonCloseConnection = 1
	LogoutReasonRemoveConnForRecovery = 2
)

func ParseLogoutRequest(b *bhs) LogoutRequest {
	f := b.Field28()
	return LogoutRequest{
		ReasonCode:    b.buf1() & 0x7f,
		InitiatorTask: b.InitiatorTaskTag(),
		CID:           getUint16BE(f[0:2]),
		CmdSN:         getUint32BE(f[4:8]),
		ExpStatSN:     getUint32BE(f[8:12]),
	}
}

func BuildLogoutResponse(itt uint32, response byte, statSN, expCmdSN, maxCmdSN uint32) *bhs {
	b := newBHS(OpLogoutResp)
	b.buf[1] = 0x80
	b.buf[2] = response
	b.SetInitiatorTaskTag(itt)
	f := b.Field28()
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	return b
}

// Reject reason codes this target emits.
const (
	RejectReasonDataDigestError = 0x02
	RejectReasonProtocolError   = 0x04
	RejectReasonInvalidPDUField = 0x09
	RejectReasonCmdNotSupported = 0x05
)

// BuildReject builds a Reject PDU whose data segment is the 48-byte BHS
// of the rejected PDU, per RFC behavior and original_source/iscsi.cpp's
// reject path.
func BuildReject(reason byte, statSN, expCmdSN, maxCmdSN, dataSN uint32) *bhs {
	b := newBHS(OpReject)
	b.buf[1] = 0x80
	b.buf[2] = reason
	b.SetInitiatorTaskTag(0xffffffff)
	b.SetDataSegmentLen(bhsSize)
	f := b.Field28()
	putUint32BE(f[4:8], statSN)
	putUint32BE(f[8:12], expCmdSN)
	putUint32BE(f[12:16], maxCmdSN)
	putUint32BE(f[16:20], dataSN)
	return b
}
