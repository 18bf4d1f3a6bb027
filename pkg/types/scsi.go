package types

// SCSI status codes and sense keys used by the bundled backends. Handler
// tables are free to return any one byte code the port understands.
const (
	StatusGood           byte = 0x00
	StatusCheckCondition byte = 0x02
	StatusBusy           byte = 0x08
	StatusTaskSetFull    byte = 0x28
)

const (
	SenseKeyNotReady       byte = 0x02
	SenseKeyMediumError    byte = 0x03
	SenseKeyHardwareError  byte = 0x04
	SenseKeyIllegalRequest byte = 0x05
	SenseKeyDataProtect    byte = 0x07
)

const fixedSenseLength = 18

// NewSense builds fixed-format sense data for the given key and additional
// sense code pair.
func NewSense(key, asc, ascq byte) []byte {
	sense := make([]byte, fixedSenseLength)
	sense[0] = 0x70 // current error, fixed format
	sense[2] = key & 0x0f
	sense[7] = fixedSenseLength - 8
	sense[12] = asc
	sense[13] = ascq
	return sense
}
