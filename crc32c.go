package iesp

import "hash/crc32"

// crc32cTable is the Castagnoli polynomial table (0x11EDC6F41, reflected
// 0x82F63B78) that iSCSI header/data digests use. The standard library's
// crc32.Castagnoli constant already matches the spec bit-for-bit, so this
// one digest stays on hash/crc32 rather than a hand-rolled CRC loop.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crc32cDigest is an incremental CRC32C accumulator. Its zero value is
// ready to use and represents an empty input.
type crc32cDigest struct {
	crc uint32
}

func newCRC32C() *crc32cDigest {
	return &crc32cDigest{}
}

func (d *crc32cDigest) Write(p []byte) {
	d.crc = crc32.Update(d.crc, crc32cTable, p)
}

// Sum32 returns the CRC32C of everything written so far.
func (d *crc32cDigest) Sum32() uint32 {
	return d.crc
}

// crc32c computes the CRC32C of a single buffer in one call.
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}
