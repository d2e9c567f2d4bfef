package iso15693

import "github.com/barnettlynn/pm3core/pkg/crc"

// Request flags (ISO 15693-3 §7.3), as combined by iso15693.c's request
// builders.
const (
	FlagRate      = 1 << 1 // high data rate
	FlagInventory = 1 << 2 // inventory request
	FlagProtocol  = 1 << 3 // protocol extension
	FlagSelect    = 1 << 4 // addressed to the selected VICC only
	FlagAddress   = 1 << 5 // UID field present / single slot on inventory
	FlagOption    = 1 << 6 // command-specific option
)

// Command codes of the mandatory and commonly used optional command set.
const (
	CmdInventory      = 0x01
	CmdStayQuiet      = 0x02
	CmdReadBlock      = 0x20
	CmdWriteBlock     = 0x21
	CmdLockBlock      = 0x22
	CmdReadMultiBlock = 0x23
	CmdSelect         = 0x25
	CmdResetToReady   = 0x26
	CmdGetSystemInfo  = 0x2B
)

// UIDLength is the fixed ISO 15693 UID size; uid[7] is always 0xE0.
const UIDLength = 8

// AppendCRC appends the little-endian ISO 15693 CRC to a raw frame.
func AppendCRC(frame []byte) []byte {
	return crc.AppendV15693(frame)
}

// CheckCRC verifies a received frame's trailing CRC.
func CheckCRC(frame []byte) bool {
	return crc.CheckV15693(frame)
}

// BuildInventoryRequest composes the single-slot inventory request
// iso15693.c's BuildIdentifyRequest sends first to any tag: one
// sub-carrier, inventory, 1 slot, fast rate, no mask.
func BuildInventoryRequest() []byte {
	cmd := []byte{FlagInventory | FlagAddress | FlagRate, CmdInventory, 0x00}
	return AppendCRC(cmd)
}

// BuildSelectRequest composes the addressed SELECT that moves one VICC
// into the Selected state (BuildSelectRequest in iso15693.c, with the UID
// actually honored instead of its hardcoded test card).
func BuildSelectRequest(uid []byte) []byte {
	cmd := make([]byte, 0, 10+2)
	cmd = append(cmd, FlagSelect|FlagAddress|FlagRate, CmdSelect)
	cmd = append(cmd, uid...)
	return AppendCRC(cmd)
}

// BuildStayQuietRequest silences an addressed VICC until the next reset.
func BuildStayQuietRequest(uid []byte) []byte {
	cmd := make([]byte, 0, 10+2)
	cmd = append(cmd, FlagAddress|FlagRate, CmdStayQuiet)
	cmd = append(cmd, uid...)
	return AppendCRC(cmd)
}

// BuildReadBlockRequest composes an addressed single-block read with the
// security-status option flag set, matching BuildReadBlockRequest's
// (1<<6)|(1<<5)|(1<<1) flag byte.
func BuildReadBlockRequest(uid []byte, block byte) []byte {
	cmd := make([]byte, 0, 11+2)
	cmd = append(cmd, FlagOption|FlagAddress|FlagRate, CmdReadBlock)
	cmd = append(cmd, uid...)
	cmd = append(cmd, block)
	return AppendCRC(cmd)
}

// BuildWriteBlockRequest composes an addressed single-block write.
func BuildWriteBlockRequest(uid []byte, block byte, data []byte) []byte {
	cmd := make([]byte, 0, 11+len(data)+2)
	cmd = append(cmd, FlagAddress|FlagRate, CmdWriteBlock)
	cmd = append(cmd, uid...)
	cmd = append(cmd, block)
	cmd = append(cmd, data...)
	return AppendCRC(cmd)
}

// BuildReadMultiBlockRequest composes an addressed multi-block read of
// count blocks starting at first (count is encoded on the wire as N-1).
func BuildReadMultiBlockRequest(uid []byte, first, count byte) []byte {
	cmd := make([]byte, 0, 12+2)
	cmd = append(cmd, FlagAddress|FlagRate, CmdReadMultiBlock)
	cmd = append(cmd, uid...)
	cmd = append(cmd, first, count-1)
	return AppendCRC(cmd)
}

// BuildSysInfoRequest composes an addressed GET SYSTEM INFORMATION
// request (BuildSysInfoRequest in iso15693.c).
func BuildSysInfoRequest(uid []byte) []byte {
	cmd := make([]byte, 0, 10+2)
	cmd = append(cmd, FlagAddress|FlagRate, CmdGetSystemInfo)
	cmd = append(cmd, uid...)
	return AppendCRC(cmd)
}

// BuildInventoryResponse composes the tag-side answer to an inventory
// request: zero flags, DSFID, then the 8-byte UID LSB first — the layout
// iso15693.c's BuildInventoryResponse transmits when simulating a tag.
func BuildInventoryResponse(dsfid byte, uid []byte) []byte {
	resp := make([]byte, 0, 10+2)
	resp = append(resp, 0x00, dsfid)
	resp = append(resp, uid...)
	return AppendCRC(resp)
}
