// Package emvbridge implements the EMV contact<->contactless bridge
// emulator: it answers a contactless PPSE ("2PAY.SYS.DDF01") reader with a
// PAY1 front stapled to a real contact EMV card, buying time with ISO14443-A
// WTX S-Blocks while the contact card is interrogated over ISO7816, and
// rewrites the contact card's PAY1-flavoured responses into the PAY2 shape a
// contactless terminal expects. Modeled on the Proxmark3 firmware's
// emvsim.c (ExecuteEMVSim).
package emvbridge

import (
	"bytes"
	"log/slog"

	"github.com/barnettlynn/pm3core/pkg/crc"
	"github.com/barnettlynn/pm3core/pkg/iso14443a"
)

// SystemState tracks which step of the PAY1->PAY2 dance the bridge is
// waiting on, mirroring ExecuteEMVSim's SystemState enum.
type SystemState int

const (
	StateDefault SystemState = iota
	StateSelectPay1
	StateSelectPay1AID
	StateRequestingCardPDOL
	StateGenerateAC
)

// Canned responses lifted verbatim from emvsim.c. filenotfound answers a
// SELECT OSE the bridge has no intention of servicing; extendResp is the
// WTX S-Block used both to ask the reader for more time and, echoed back,
// to recognize the reader's WTX acknowledgement; pay1Response and
// pay2Response are VISA's PAY1/PAY2 PPSE FCI headers; fciTemplatePay2 is the
// canned PAY2-flavoured FCI returned in place of whatever the contact card's
// PAY1 AID actually answered with.
var (
	filenotfound = []byte{0x02, 0x6a, 0x82, 0x93, 0x2f}
	pay1Response = []byte{0x6F, 0x1E, 0x84, 0x0E}
	extendResp   = []byte{0xf2, 0x0e, 0x66, 0xb8}

	fciTemplatePay2 = []byte{
		0x02, 0x6f, 0x5e, 0x84, 0x07, 0xa0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10,
		0xa5, 0x53, 0x50, 0x0a, 0x56, 0x69, 0x73, 0x61, 0x20, 0x44, 0x65, 0x62,
		0x69, 0x74, 0x9f, 0x38, 0x18, 0x9f, 0x66, 0x04, 0x9f, 0x02, 0x06, 0x9f,
		0x03, 0x06, 0x9f, 0x1a, 0x02, 0x95, 0x05, 0x5f, 0x2a, 0x02, 0x9a, 0x03,
		0x9c, 0x01, 0x9f, 0x37, 0x04, 0x5f, 0x2d, 0x02, 0x65, 0x6e, 0x9f, 0x11,
		0x01, 0x01, 0x9f, 0x12, 0x0a, 0x56, 0x69, 0x73, 0x61, 0x20, 0x44, 0x65,
		0x62, 0x69, 0x74, 0xbf, 0x0c, 0x13, 0x9f, 0x5a, 0x05, 0x31, 0x08, 0x26,
		0x08, 0x26, 0x9f, 0x0a, 0x08, 0x00, 0x01, 0x05, 0x01, 0x00, 0x00, 0x00,
		0x00, 0x90, 0x00, 0xd8, 0x15,
	}

	pay2Response = []byte{
		0x03, 0x6f, 0x3e, 0x84, 0x0e, 0x32, 0x50, 0x41, 0x59, 0x2e, 0x53, 0x59,
		0x53, 0x2e, 0x44, 0x44, 0x46, 0x30, 0x31, 0xa5, 0x2c, 0xbf, 0x0c, 0x29,
		0x61, 0x27, 0x4f, 0x07, 0xa0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10, 0x50,
		0x0a, 0x56, 0x69, 0x73, 0x61, 0x20, 0x44, 0x65, 0x62, 0x69, 0x74, 0x9f,
		0x0a, 0x08, 0x00, 0x01, 0x05, 0x01, 0x00, 0x00, 0x00, 0x00, 0xbf, 0x63,
		0x04, 0xdf, 0x20, 0x01, 0x80, 0x90, 0x00, 0x07, 0x9d,
	}

	// rndResp is the 3-byte prefix of a known-bad echo the reader sometimes
	// sends; the bridge just stays silent rather than process it.
	rndResp = []byte{0xb2, 0x67, 0xc7}

	// pdolRequest asks the contact card for its Processing Data Object
	// List before a GENERATE AC, priming it into the state a real
	// contactless PDOL exchange would have left it in. Its response is
	// discarded.
	pdolRequest = []byte{0x80, 0xa8, 0x00, 0x00, 0x02, 0x83, 0x00}

	// genACTemplate is the canned GENERATE AC response shape the bridge
	// rewrites the contact card's own GENERATE AC reply into, splicing in
	// the transaction counter, cryptogram, and issuer application data the
	// card actually returned.
	genACTemplate = []byte{
		0x00, 0x77, 0x47, 0x82, 0x02, 0x39, 0x00, 0x57, 0x13, 0x47,
		0x62, 0x28, 0x00, 0x05, 0x93, 0x38, 0x64, 0xd2, 0x70, 0x92,
		0x01, 0x00, 0x00, 0x01, 0x42, 0x00, 0x00, 0x0f, 0x5f, 0x34,
		0x01, 0x00, 0x9f, 0x10, 0x07, 0x06, 0x01, 0x12, 0x03, 0xa0,
		0x20, 0x00, 0x9f, 0x26, 0x08, 0x56, 0xcb, 0x4e, 0xe1, 0xa4,
		0xef, 0xac, 0x74, 0x9f, 0x27, 0x01, 0x80, 0x9f, 0x36, 0x02,
		0x00, 0x07, 0x9f, 0x6c, 0x02, 0x3e, 0x00, 0x9f, 0x6e, 0x04,
		0x20, 0x70, 0x00, 0x00, 0x90, 0x00, 0xff, 0xff,
	}
)

// CardTransceiver forwards an APDU to the physical contact EMV card over
// ISO7816 and returns its response, standing in for ExecuteEMVSim's
// CmdSmartRaw calls into the SIM/smartcard slot.
type CardTransceiver interface {
	Transceive(classByte byte, apdu []byte) ([]byte, error)
}

// Bridge is the PAY1<->PAY2 state machine. Like ExecuteEMVSim it does its
// own I-Block/WTX bookkeeping at the raw frame level (responses carry
// their PCB and CRC already), so it plugs into an iso14443a.Machine
// through the raw WORK-state path (Attach), not the AppHandler one.
type Bridge struct {
	card      CardTransceiver
	state     SystemState
	cachedCmd []byte
}

// New returns a Bridge that forwards cached commands to card once the
// reader acknowledges a WTX.
func New(card CardTransceiver) *Bridge {
	return &Bridge{card: card, state: StateDefault}
}

// State reports which step of the PAY1->PAY2 dance the bridge is in.
func (b *Bridge) State() SystemState { return b.state }

// Attach wires the bridge into m as its raw WORK-state handler; a failed
// contact-card exchange aborts the APDU with the canned file-not-found
// answer, leaving the reader free to re-issue.
func (b *Bridge) Attach(m *iso14443a.Machine) {
	m.SetRawHandler(func(frame []byte) []byte {
		resp, err := b.Handle(frame)
		if err != nil {
			return append([]byte(nil), filenotfound...)
		}
		return resp
	})
}

// Handle processes one command APDU received from the reader, returning
// the bytes to send back (nil means stay silent this round).
func (b *Bridge) Handle(receivedCmd []byte) ([]byte, error) {
	if len(receivedCmd) >= 9 && receivedCmd[6] == 'O' && receivedCmd[7] == 'S' && receivedCmd[8] == 'E' {
		return filenotfound, nil
	}

	cmd := append([]byte(nil), receivedCmd...)

	isSigningRequest := (len(cmd) > 5 && cmd[0] != 0x03 && cmd[0] != 0x02 && cmd[1] == 0 && cmd[4] == 0) ||
		(len(cmd) > 2 && cmd[2] == 0xa8)
	if isSigningRequest {
		b.state = StateGenerateAC
		rewritten := make([]byte, 38)
		copy(rewritten[:6], []byte{0x03, 0x80, 0xae, 0x80, 0x00, 0x1d})
		for i := 0; i < 29; i++ {
			if 12+i < len(cmd) {
				rewritten[6+i] = cmd[12+i]
			}
		}
		cmd = rewritten
	}

	if len(cmd) >= 9 && cmd[6] == '2' && cmd[7] == 'P' && cmd[8] == 'A' {
		cmd[6] = '1'
		b.state = StateSelectPay1
	}

	if len(cmd) > 5 && cmd[2] == 0xA4 && cmd[5] == 0x07 {
		b.state = StateSelectPay1AID
	}

	if len(cmd) >= len(rndResp) && bytes.Equal(cmd[:len(rndResp)], rndResp) {
		return nil, nil
	}

	if len(cmd) >= len(extendResp) && bytes.Equal(cmd[:len(extendResp)], extendResp) {
		resp, err := b.processCachedCommand()
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	b.cachedCmd = cmd
	return extendResp, nil
}

// processCachedCommand forwards the previously cached command to the
// contact card now that the reader has acknowledged our WTX, then
// reshapes the card's response into whatever PAY2 flavour the reader
// expects for the state the cached command put us in.
func (b *Bridge) processCachedCommand() ([]byte, error) {
	cached := b.cachedCmd
	if len(cached) >= 3 && cached[1] == 0x80 && cached[2] == 0xae {
		b.state = StateRequestingCardPDOL
		if _, err := b.card.Transceive(0xff, pdolRequest); err != nil {
			return nil, err
		}
	}

	classByte := cached[0]
	apdu := cached[1 : len(cached)-2]
	raw, err := b.card.Transceive(classByte, apdu)
	if err != nil {
		return nil, err
	}
	resp := append([]byte{classByte}, raw...)

	if b.state == StateSelectPay1 {
		if len(resp) < 1+len(pay1Response) || !bytes.Equal(resp[1:1+len(pay1Response)], pay1Response) {
			slog.Warn("emvbridge: card response did not look like a PAY1 FCI; substituting PAY2 anyway", "resp", resp)
		}
		resp = append([]byte(nil), pay2Response...)
	}

	if resp[0] != 0xff && len(resp) > 1 && resp[1] == 0x77 {
		resp = rewriteGenerateACResponse(resp)
	}

	if b.state == StateSelectPay1AID {
		resp = append([]byte(nil), fciTemplatePay2...)
	}

	return resp, nil
}

// rewriteGenerateACResponse splices a contact card's GENERATE AC reply
// (transaction counter at bytes 10-11, the 8-byte cryptogram at 15-22,
// issuer application data at 26-32) into genACTemplate's fixed PAY2 shape
// and recomputes the trailing CRC-A. The cryptogram value ends at
// template byte 52; byte 53 starts the next TLV tag (9F27), which must
// stay intact.
func rewriteGenerateACResponse(cardResp []byte) []byte {
	out := append([]byte(nil), genACTemplate...)
	out[0] = cardResp[0]
	out[60] = cardResp[10]
	out[61] = cardResp[11]
	copy(out[45:53], cardResp[15:23])
	copy(out[35:42], cardResp[26:33])

	body := out[:len(out)-2]
	c := crc.A(body)
	out[len(out)-2] = byte(c)
	out[len(out)-1] = byte(c >> 8)
	return out
}
