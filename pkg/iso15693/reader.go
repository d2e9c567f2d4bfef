package iso15693

import "github.com/barnettlynn/pm3core/pkg/pm3err"

// Transceiver sends one framed request (CRC included) to the field and
// returns the tag's raw response, CRC still attached. Implementations
// wrap the RF front end or, in tests, another state machine.
type Transceiver interface {
	Transceive(frame []byte) ([]byte, error)
}

// Reader drives the ISO 15693 reader-side operations over a Transceiver:
// inventory, select, block reads/writes, and system information, checking
// CRCs and the response error flag on every exchange the way
// ReaderIso15693's loop validates what the demodulator hands back.
type Reader struct {
	trx Transceiver

	// UID of the tag found by the last successful Inventory, LSB first.
	UID []byte
	// DSFID reported alongside it.
	DSFID byte
}

// NewReader returns a Reader over trx.
func NewReader(trx Transceiver) *Reader {
	return &Reader{trx: trx}
}

// exchange sends frame and validates the response envelope: present, CRC
// intact, and the ISO 15693 error flag (response flags bit 0) clear.
func (r *Reader) exchange(frame []byte) ([]byte, error) {
	resp, err := r.trx.Transceive(frame)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || !CheckCRC(resp) {
		return nil, pm3err.New(pm3err.ECardExchange, "iso15693: short or CRC-damaged response")
	}
	body := resp[:len(resp)-2]
	if body[0]&0x01 != 0 {
		code := byte(0)
		if len(body) > 1 {
			code = body[1]
		}
		return nil, pm3err.New(pm3err.ECardExchange, "iso15693: tag reported error %02X", code)
	}
	return body, nil
}

// Inventory runs a single-slot inventory round and records the responding
// tag's UID and DSFID.
func (r *Reader) Inventory() ([]byte, error) {
	body, err := r.exchange(BuildInventoryRequest())
	if err != nil {
		return nil, err
	}
	if len(body) < 2+UIDLength {
		return nil, pm3err.New(pm3err.ECardExchange, "iso15693: inventory response too short")
	}
	r.DSFID = body[1]
	r.UID = append([]byte(nil), body[2:2+UIDLength]...)
	return r.UID, nil
}

// Select moves the inventoried tag into the Selected state.
func (r *Reader) Select() error {
	if r.UID == nil {
		return pm3err.New(pm3err.InvArg, "iso15693: no tag inventoried")
	}
	_, err := r.exchange(BuildSelectRequest(r.UID))
	return err
}

// StayQuiet silences the inventoried tag.
func (r *Reader) StayQuiet() error {
	if r.UID == nil {
		return pm3err.New(pm3err.InvArg, "iso15693: no tag inventoried")
	}
	_, err := r.exchange(BuildStayQuietRequest(r.UID))
	return err
}

// ReadBlock returns one block's data (the leading security-status byte
// the option flag requests is stripped).
func (r *Reader) ReadBlock(block byte) ([]byte, error) {
	if r.UID == nil {
		return nil, pm3err.New(pm3err.InvArg, "iso15693: no tag inventoried")
	}
	body, err := r.exchange(BuildReadBlockRequest(r.UID, block))
	if err != nil {
		return nil, err
	}
	if len(body) < 2 {
		return nil, pm3err.New(pm3err.ECardExchange, "iso15693: read response too short")
	}
	return body[2:], nil
}

// WriteBlock writes one block.
func (r *Reader) WriteBlock(block byte, data []byte) error {
	if r.UID == nil {
		return pm3err.New(pm3err.InvArg, "iso15693: no tag inventoried")
	}
	_, err := r.exchange(BuildWriteBlockRequest(r.UID, block, data))
	return err
}

// ReadMultiBlock reads count blocks starting at first, returning the
// concatenated block data.
func (r *Reader) ReadMultiBlock(first, count byte) ([]byte, error) {
	if r.UID == nil {
		return nil, pm3err.New(pm3err.InvArg, "iso15693: no tag inventoried")
	}
	body, err := r.exchange(BuildReadMultiBlockRequest(r.UID, first, count))
	if err != nil {
		return nil, err
	}
	return body[1:], nil
}

// SystemInfo returns the raw GET SYSTEM INFORMATION payload (information
// flags onward); interpreting the optional fields is left to the caller.
func (r *Reader) SystemInfo() ([]byte, error) {
	if r.UID == nil {
		return nil, pm3err.New(pm3err.InvArg, "iso15693: no tag inventoried")
	}
	body, err := r.exchange(BuildSysInfoRequest(r.UID))
	if err != nil {
		return nil, err
	}
	return body[1:], nil
}
