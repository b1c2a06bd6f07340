// Package scsi holds the SCSI opcode, status and sense constants this
// target emulates. It is a trimmed-down sibling of the opcode table a
// full SCSI initiator/target stack would carry: only the codes this
// target's executor actually dispatches are kept, plus the handful of
// sense/ASC values its responses can produce.
//
// Sense codes are at www.t10.org/lists/asc-num.txt.
package scsi

// SCSI opcodes this target understands.
const (
	TestUnitReady     = 0x00
	RequestSense      = 0x02
	Read6             = 0x08
	Write6            = 0x0a
	Inquiry           = 0x12
	ModeSelect        = 0x15
	ModeSense         = 0x1a
	ReadCapacity      = 0x25
	Read10            = 0x28
	Write10           = 0x2a
	WriteVerify       = 0x2e
	ModeSelect10      = 0x55
	ModeSense10       = 0x5a
	Read16            = 0x88
	CompareAndWrite   = 0x89
	Write16           = 0x8a
	ServiceActionIn16 = 0x9e
	ReportLuns        = 0xa0

	// values for service action in (0x9e)
	SaiReadCapacity16 = 0x10
	SaiGetLbaStatus   = 0x12
)

// SCSI Architecture Model (SAM) status codes (SAM-3, T10/1561-D).
const (
	SamStatGood                = 0x00
	SamStatCheckCondition       = 0x02
	SamStatReservationConflict  = 0x18
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseMiscompare     = 0x0e
)

// Additional sense codes (ASC, 16 bits: ASC<<8 | ASCQ).
const (
	AscReadError                       = 0x1100
	AscWriteError                      = 0x0c00
	AscParameterListLengthError        = 0x1a00
	AscInternalTargetFailure           = 0x4400
	AscMiscompareDuringVerifyOperation = 0x1d00
	AscInvalidFieldInCdb               = 0x2400
	AscInvalidFieldInParameterList     = 0x2600
	AscInvalidCommandOperationCode     = 0x2000
	AscLogicalBlockAddressOutOfRange   = 0x2100
)
