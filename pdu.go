package iesp

import (
	"encoding/binary"
	"errors"
)

// Opcodes for the Basic Header Segment's 6-bit opcode field, grounded on
// original_source/iscsi-pdu.h's iscsi_bhs_opcode enum.
const (
	OpNopOut      = 0x00
	OpSCSICommand = 0x01
	OpSCSITaskMan = 0x02
	OpLoginReq    = 0x03
	OpTextReq     = 0x04
	OpSCSIDataOut = 0x05
	OpLogoutReq   = 0x06
	OpSNACKReq    = 0x10

	OpNopIn        = 0x20
	OpSCSIResponse = 0x21
	OpTaskManResp  = 0x22
	OpLoginResp    = 0x23
	OpTextResp     = 0x24
	OpSCSIDataIn   = 0x25
	OpLogoutResp   = 0x26
	OpR2T          = 0x31
	OpAsyncMsg     = 0x32
	OpReject       = 0x3f
)

// bhsSize is the fixed size of the Basic Header Segment.
const bhsSize = 48

// ErrShortBHS is returned by parseBHS when given fewer than 48 bytes.
var ErrShortBHS = errors.New("iesp: short BHS")

// bhs is a thin, typed view over a 48-byte buffer -- the same idea the
// teacher's struct_access.go used (typed accessors over a raw buffer
// instead of a parsed-and-discarded struct), adapted to plain []byte +
// encoding/binary since there is no mmap region to alias here.
type bhs struct {
	buf [bhsSize]byte
}

func newBHS(opcode byte) *bhs {
	b := &bhs{}
	b.buf[0] = opcode & 0x3f
	return b
}

// parseBHS validates length and wraps buf's first 48 bytes.
func parseBHS(buf []byte) (*bhs, error) {
	if len(buf) < bhsSize {
		return nil, ErrShortBHS
	}
	b := &bhs{}
	copy(b.buf[:], buf[:bhsSize])
	return b, nil
}

func (b *bhs) Opcode() byte    { return b.buf[0] & 0x3f }
func (b *bhs) Immediate() bool { return b.buf[0]&0x40 != 0 }

func (b *bhs) SetImmediate(v bool) {
	if v {
		b.buf[0] |= 0x40
	} else {
		b.buf[0] &^= 0x40
	}
}

// Final is the opcode-specific "F" bit, at byte1 bit7 for every PDU type
// this target emits or consumes (SCSI-Command, SCSI-Data-{In,Out},
// NOP-{In,Out}).
func (b *bhs) Final() bool { return b.buf[1]&0x80 != 0 }

func (b *bhs) SetFinal(v bool) {
	if v {
		b.buf[1] |= 0x80
	} else {
		b.buf[1] &^= 0x80
	}
}

func (b *bhs) AHSLen() int   { return int(b.buf[4]) }
func (b *bhs) SetAHSLen(n int) { b.buf[4] = byte(n) }

// DataSegmentLen is the 24-bit big-endian length at bytes 5-7.
func (b *bhs) DataSegmentLen() int {
	return int(b.buf[5])<<16 | int(b.buf[6])<<8 | int(b.buf[7])
}

func (b *bhs) SetDataSegmentLen(n int) {
	b.buf[5] = byte(n >> 16)
	b.buf[6] = byte(n >> 8)
	b.buf[7] = byte(n)
}

// LUN returns the 8-byte LUN/opcode-specific field at bytes 8-15.
func (b *bhs) LUN() [8]byte {
	var lun [8]byte
	copy(lun[:], b.buf[8:16])
	return lun
}

func (b *bhs) SetLUN(lun [8]byte) { copy(b.buf[8:16], lun[:]) }

func (b *bhs) InitiatorTaskTag() uint32 {
	return binary.BigEndian.Uint32(b.buf[16:20])
}

func (b *bhs) SetInitiatorTaskTag(itt uint32) {
	binary.BigEndian.PutUint32(b.buf[16:20], itt)
}

// Field28 returns the 28 opcode-specific bytes at 20-47, for typed
// wrappers in pdu_types.go to interpret further.
func (b *bhs) Field28() []byte { return b.buf[20:48] }

func (b *bhs) Bytes() []byte { return b.buf[:] }

// padLen returns the number of zero padding bytes that must follow a data
// segment of length n so the wire length is 4-byte aligned, per property
// 7 in SPEC_FULL.md §8: ((n+3)&^3) - n.
func padLen(n int) int {
	return ((n + 3) &^ 3) - n
}

// padded4 returns data followed by the zero padding required to reach a
// 4-byte boundary.
func padded4(data []byte) []byte {
	p := padLen(len(data))
	if p == 0 {
		return data
	}
	out := make([]byte, len(data)+p)
	copy(out, data)
	return out
}

// digestNegotiation records whether header/data CRC32C digests are active
// for a connection, per the HeaderDigest/DataDigest login parameters.
type digestNegotiation struct {
	Header bool
	Data   bool
}

// headerDigest computes the CRC32C of the 48-byte BHS (and any AHS that
// precedes it in the negotiated PDU layout -- this target never
// negotiates AHS-bearing PDUs, so only the BHS is covered).
func headerDigest(bhsBytes []byte) uint32 {
	return crc32c(bhsBytes)
}

// dataDigest computes the CRC32C of a data segment plus its padding.
func dataDigest(dataWithPadding []byte) uint32 {
	return crc32c(dataWithPadding)
}

func putUint32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint32BE(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func putUint16BE(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func getUint16BE(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
