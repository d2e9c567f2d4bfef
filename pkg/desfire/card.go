package desfire

import "fmt"

// Card abstracts ISO7816 APDU transmission to a real PC/SC reader or a test
// double, matching pkg/pcscard.Connection's Transmit shape.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transmit wraps a DESFire-native command byte in a CLA=0x90 ISO7816 APDU,
// sends it, and splits the trailing two-byte status word from the payload.
func Transmit(card Card, cmd byte, data []byte) (resp []byte, sw uint16, err error) {
	apdu := make([]byte, 0, 5+len(data)+1)
	apdu = append(apdu, 0x90, cmd, 0x00, 0x00, byte(len(data)))
	apdu = append(apdu, data...)
	apdu = append(apdu, 0x00)

	raw, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < 2 {
		return nil, 0, fmt.Errorf("desfire: short response (%d bytes)", len(raw))
	}
	sw = uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	return raw[:len(raw)-2], sw, nil
}

// Status words used by the native command framing (not ISO7816 SWs): the
// low byte of the 0x91xx status carries DESFire's own additional-frame and
// OK codes, per desfirecrypto.h's DESFIRE_GET_ISO_STATUS macro.
const (
	StatusOK           = 0x9100
	StatusAdditionalFr = 0x91AF
)
