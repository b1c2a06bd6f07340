package iesp

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/folkertvanheusden/go-iesp/scsi"
)

// writePDU writes a raw PDU (no digests) directly to nc, bypassing Conn's
// own write helper so these tests drive the protocol as an independent
// initiator would.
func writePDU(t *testing.T, nc net.Conn, b *bhs, data []byte) {
	t.Helper()
	if _, err := nc.Write(b.Bytes()); err != nil {
		t.Fatalf("write BHS: %v", err)
	}
	if len(data) > 0 {
		if _, err := nc.Write(padded4(data)); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
}

func readPDU(t *testing.T, nc net.Conn) (*bhs, []byte) {
	t.Helper()
	hdr := make([]byte, bhsSize)
	if _, err := io.ReadFull(nc, hdr); err != nil {
		t.Fatalf("read BHS: %v", err)
	}
	b, err := parseBHS(hdr)
	if err != nil {
		t.Fatalf("parseBHS: %v", err)
	}
	dlen := b.DataSegmentLen()
	if dlen == 0 {
		return b, nil
	}
	buf := make([]byte, dlen+padLen(dlen))
	if _, err := io.ReadFull(nc, buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	return b, buf[:dlen]
}

func buildLoginRequest(itt uint32, isid [6]byte, tsih uint16, cid uint16, cmdSN, expStatSN uint32, kv map[string]string, order []string) *bhs {
	b := newBHS(OpLoginReq)
	b.buf[1] = 0x80 | (StageLoginOperational << 2) | StageFullFeature // T=1, CSG=1, NSG=3
	lun := [8]byte{}
	copy(lun[0:6], isid[:])
	putUint16BE(lun[6:8], tsih)
	b.SetLUN(lun)
	b.SetInitiatorTaskTag(itt)
	f := b.Field28()
	putUint16BE(f[0:2], cid)
	putUint32BE(f[4:8], cmdSN)
	putUint32BE(f[8:12], expStatSN)
	data := buildTextKV(order, kv)
	b.SetDataSegmentLen(len(data))
	return b
}

func doLogin(t *testing.T, nc net.Conn) (itt uint32) {
	t.Helper()
	isid := [6]byte{1, 2, 3, 4, 5, 6}
	kv := map[string]string{"InitiatorName": "iqn.test.initiator"}
	req := buildLoginRequest(1, isid, 0, 0, 0, 0, kv, []string{"InitiatorName"})
	data := buildTextKV([]string{"InitiatorName"}, kv)
	writePDU(t, nc, req, data)

	resp, _ := readPDU(t, nc)
	if resp.Opcode() != OpLoginResp {
		t.Fatalf("login response opcode = %#x, want %#x", resp.Opcode(), OpLoginResp)
	}
	if resp.InitiatorTaskTag() != 1 {
		t.Fatalf("login response ITT = %d, want 1", resp.InitiatorTaskTag())
	}
	return 1
}

// buildScsiCommandRequest builds a SCSI-Command BHS. immediateLen is the
// number of bytes of immediate write data the caller will send right after
// this header (0 for reads and for writes that rely on R2T) -- the BHS's
// DataSegmentLength field must match what actually follows on the wire, the
// same way any other PDU builder in pdu_types.go ties the two together.
func buildScsiCommandRequest(itt uint32, lun uint16, cdb []byte, read, write bool, cmdSN, expStatSN uint32, expDataLen uint32, immediateLen int) (*bhs, []byte) {
	b := newBHS(OpSCSICommand)
	var flags byte = 0x80
	if read {
		flags |= 0x40
	}
	if write {
		flags |= 0x20
	}
	b.buf[1] = flags
	var lunBytes [8]byte
	binary.BigEndian.PutUint16(lunBytes[0:2], lun)
	b.SetLUN(lunBytes)
	b.SetInitiatorTaskTag(itt)
	b.SetDataSegmentLen(immediateLen)
	f := b.Field28()
	putUint32BE(f[0:4], expDataLen)
	putUint32BE(f[4:8], cmdSN)
	putUint32BE(f[8:12], expStatSN)
	copy(f[12:28], cdb)
	return b, nil
}

func TestConnLoginAndLogout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 16)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()

	doLogin(t, client)

	logout := newBHS(OpLogoutReq)
	logout.buf[1] = 0x80
	logout.SetInitiatorTaskTag(2)
	f := logout.Field28()
	putUint32BE(f[4:8], 1)
	putUint32BE(f[8:12], 1)
	writePDU(t, client, logout, nil)

	resp, _ := readPDU(t, client)
	if resp.Opcode() != OpLogoutResp {
		t.Fatalf("logout response opcode = %#x, want %#x", resp.Opcode(), OpLogoutResp)
	}
}

func TestConnReadCapacity10(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 100)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()
	doLogin(t, client)

	cdb := make([]byte, 16)
	cdb[0] = scsi.ReadCapacity
	req, _ := buildScsiCommandRequest(5, 0, cdb, true, false, 1, 1, 8, 0)
	writePDU(t, client, req, nil)

	resp, data := readPDU(t, client)
	if resp.Opcode() != OpSCSIDataIn && resp.Opcode() != OpSCSIResponse {
		t.Fatalf("unexpected opcode %#x for READ CAPACITY reply", resp.Opcode())
	}
	if resp.Opcode() == OpSCSIDataIn && len(data) != 8 {
		t.Fatalf("READ CAPACITY data length = %d, want 8", len(data))
	}
}

func TestConnWriteThenReadRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 100)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()
	doLogin(t, client)

	payload := bytes.Repeat([]byte{0x99}, 4096)
	cdbWrite := make([]byte, 16)
	cdbWrite[0] = scsi.Write10
	cdbWrite[2], cdbWrite[3], cdbWrite[4], cdbWrite[5] = 0, 0, 0, 0
	cdbWrite[7], cdbWrite[8] = 0, 1
	reqWrite, _ := buildScsiCommandRequest(6, 0, cdbWrite, false, true, 1, 1, uint32(len(payload)), len(payload))
	writePDU(t, client, reqWrite, payload)

	respWrite, _ := readPDU(t, client)
	if respWrite.Opcode() != OpSCSIResponse {
		t.Fatalf("write response opcode = %#x, want SCSI response", respWrite.Opcode())
	}

	cdbRead := make([]byte, 16)
	cdbRead[0] = scsi.Read10
	cdbRead[2], cdbRead[3], cdbRead[4], cdbRead[5] = 0, 0, 0, 0
	cdbRead[7], cdbRead[8] = 0, 1
	reqRead, _ := buildScsiCommandRequest(7, 0, cdbRead, true, false, 2, 2, 4096, 0)
	writePDU(t, client, reqRead, nil)

	respRead, data := readPDU(t, client)
	if respRead.Opcode() != OpSCSIDataIn {
		t.Fatalf("read response opcode = %#x, want Data-In", respRead.Opcode())
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("read back data does not match what was written")
	}
}

// TestConnCmdSNAdvancesAcrossCommands sends two SCSI commands on the same
// session and checks that ExpCmdSN (echoed in the SCSI-Response) actually
// advances between them, per SPEC_FULL.md §4.4's sequence-number
// discipline, rather than staying frozen at its post-login value.
func TestConnCmdSNAdvancesAcrossCommands(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 100)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()
	doLogin(t, client)

	cdb := []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}

	req1, _ := buildScsiCommandRequest(10, 0, cdb, false, false, 1, 1, 0, 0)
	writePDU(t, client, req1, nil)
	resp1, _ := readPDU(t, client)
	if resp1.Opcode() != OpSCSIResponse {
		t.Fatalf("opcode = %#x, want SCSI-Response", resp1.Opcode())
	}
	expCmdSN1 := getUint32BE(resp1.Field28()[8:12])

	req2, _ := buildScsiCommandRequest(11, 0, cdb, false, false, 2, 1, 0, 0)
	writePDU(t, client, req2, nil)
	resp2, _ := readPDU(t, client)
	if resp2.Opcode() != OpSCSIResponse {
		t.Fatalf("opcode = %#x, want SCSI-Response", resp2.Opcode())
	}
	expCmdSN2 := getUint32BE(resp2.Field28()[8:12])

	if expCmdSN2 != expCmdSN1+1 {
		t.Fatalf("ExpCmdSN did not advance across commands: %d -> %d", expCmdSN1, expCmdSN2)
	}
}

// TestConnOutOfOrderCmdSNRejected covers an initiator skipping a CmdSN: the
// session must Reject it as a protocol error instead of silently executing
// it, since AcceptCmdSN is what keeps ExpCmdSN/MaxCmdSN meaningful.
func TestConnOutOfOrderCmdSNRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 100)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()
	doLogin(t, client)

	cdb := []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}
	// ExpCmdSN is 1 after login; skip straight to 3.
	req, _ := buildScsiCommandRequest(12, 0, cdb, false, false, 3, 1, 0, 0)
	writePDU(t, client, req, nil)

	resp, _ := readPDU(t, client)
	if resp.Opcode() != OpReject {
		t.Fatalf("opcode = %#x, want Reject", resp.Opcode())
	}
	if resp.buf[2] != RejectReasonProtocolError {
		t.Fatalf("reject reason = %#x, want %#x", resp.buf[2], RejectReasonProtocolError)
	}
}

// TestConnDataDigestMismatchRejects covers SPEC_FULL.md scenario S6: with
// DataDigest=CRC32C negotiated, a Data-Out (here folded into the immediate
// data of a SCSI-Command, which is digested the same way) carrying a wrong
// CRC must produce a Reject PDU with reason "Data digest error" and the
// connection must then close.
func TestConnDataDigestMismatchRejects(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 100)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()

	isid := [6]byte{1, 2, 3, 4, 5, 6}
	kv := map[string]string{"InitiatorName": "iqn.test.initiator", "DataDigest": "CRC32C"}
	order := []string{"InitiatorName", "DataDigest"}
	req := buildLoginRequest(1, isid, 0, 0, 0, 0, kv, order)
	data := buildTextKV(order, kv)
	writePDU(t, client, req, data)

	resp, _ := readPDU(t, client)
	if resp.Opcode() != OpLoginResp {
		t.Fatalf("login response opcode = %#x, want %#x", resp.Opcode(), OpLoginResp)
	}

	payload := bytes.Repeat([]byte{0x42}, 4096)
	cdbWrite := make([]byte, 16)
	cdbWrite[0] = scsi.Write10
	cdbWrite[7], cdbWrite[8] = 0, 1
	reqWrite, _ := buildScsiCommandRequest(6, 0, cdbWrite, false, true, 1, 1, uint32(len(payload)), len(payload))

	if _, err := client.Write(reqWrite.Bytes()); err != nil {
		t.Fatalf("write BHS: %v", err)
	}
	padded := padded4(payload)
	if _, err := client.Write(padded); err != nil {
		t.Fatalf("write data: %v", err)
	}
	var badCRC [4]byte
	binary.BigEndian.PutUint32(badCRC[:], dataDigest(padded)+1)
	if _, err := client.Write(badCRC[:]); err != nil {
		t.Fatalf("write bad digest: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reject, _ := readPDU(t, client)
	if reject.Opcode() != OpReject {
		t.Fatalf("opcode = %#x, want Reject", reject.Opcode())
	}
	// DataDigest is in effect, so the Reject's data segment is followed by
	// its CRC32C.
	var rejectDigest [4]byte
	if _, err := io.ReadFull(client, rejectDigest[:]); err != nil {
		t.Fatalf("read reject data digest: %v", err)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected connection to close after digest reject")
	}
}

// TestConnR2TFlow covers SPEC_FULL.md scenario S5: a WRITE(16) with no
// immediate data must produce a single R2T, and the matching Data-Out PDU
// must complete the write with a GOOD SCSI-Response.
func TestConnR2TFlow(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 100)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()
	doLogin(t, client)

	const writeLen = 4096 * 4
	payload := bytes.Repeat([]byte{0x77}, writeLen)

	cdb := make([]byte, 16)
	cdb[0] = scsi.Write16
	binary.BigEndian.PutUint64(cdb[2:10], 10) // LBA 10
	binary.BigEndian.PutUint32(cdb[10:14], writeLen/4096)
	req, _ := buildScsiCommandRequest(8, 0, cdb, false, true, 1, 1, writeLen, 0)
	writePDU(t, client, req, nil)

	r2t, _ := readPDU(t, client)
	if r2t.Opcode() != OpR2T {
		t.Fatalf("opcode = %#x, want R2T", r2t.Opcode())
	}
	rf := r2t.Field28()
	ttt := getUint32BE(rf[0:4])
	desired := getUint32BE(rf[24:28])
	if desired != writeLen {
		t.Fatalf("R2T desired length = %d, want %d", desired, writeLen)
	}

	dataOut := newBHS(OpSCSIDataOut)
	dataOut.buf[1] = 0x80 // F=1, final burst
	dataOut.SetInitiatorTaskTag(8)
	dataOut.SetDataSegmentLen(len(payload))
	df := dataOut.Field28()
	putUint32BE(df[0:4], ttt)
	putUint32BE(df[20:24], 0) // BufferOffset
	writePDU(t, client, dataOut, payload)

	resp, _ := readPDU(t, client)
	if resp.Opcode() != OpSCSIResponse {
		t.Fatalf("opcode = %#x, want SCSI-Response", resp.Opcode())
	}
}

func TestConnNopKeepalive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	backend, _ := newTestFileBackend(t, 16)
	defer backend.Close()

	c := NewConn(server, "iqn.test:disk0", "127.0.0.1:3260", backend)
	go c.Serve()
	doLogin(t, client)

	nop := newBHS(OpNopOut)
	nop.SetInitiatorTaskTag(9)
	f := nop.Field28()
	putUint32BE(f[0:4], 0xffffffff) // TTT = 0xffffffff: initiator-initiated ping
	putUint32BE(f[4:8], 1)          // CmdSN: the login consumed slot 0, so the first full-feature command is 1
	writePDU(t, client, nop, nil)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := readPDU(t, client)
	if resp.Opcode() != OpNopIn {
		t.Fatalf("nop reply opcode = %#x, want NOP-In", resp.Opcode())
	}
	if resp.InitiatorTaskTag() != 9 {
		t.Fatalf("nop reply ITT = %d, want 9", resp.InitiatorTaskTag())
	}
}
