// Package pcscard is the PC/SC transport adapter backing live reader
// operations for every command in this module. It is the one piece of
// the transport layer that needs a concrete body so `hf gallagher` can
// drive a real card instead of only a capture file. Failures surface as
// pm3err kinds (EFile for "no reader there", ECardExchange for a broken
// exchange) so the CLI's exit-code mapping covers the transport too, and
// every APDU round trip is traced at debug level.
package pcscard

import (
	"log/slog"

	"github.com/ebfe/scard"

	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

// Connection is one attached card on one PC/SC reader. It satisfies
// pkg/desfire's Card interface (Transmit(apdu []byte) ([]byte, error))
// structurally, so any desfire.Context can drive it without this package
// importing desfire.
type Connection struct {
	ctx    *scard.Context
	card   *scard.Card
	reader string
}

// ListReaders enumerates the PC/SC readers currently attached, in the
// index order Connect resolves against.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, pm3err.Wrap(pm3err.ECardExchange, err, "pcscard: establish context")
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, pm3err.Wrap(pm3err.EFile, err, "pcscard: list readers")
	}
	return readers, nil
}

// Connect attaches to the card on the reader at readerIndex (0-based, in
// PC/SC enumeration order) over any available protocol.
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, pm3err.Wrap(pm3err.ECardExchange, err, "pcscard: establish context")
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, pm3err.Wrap(pm3err.EFile, err, "pcscard: no readers found")
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, pm3err.New(pm3err.InvArg, "pcscard: reader index %d out of range (0..%d)", readerIndex, len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, pm3err.Wrap(pm3err.ECardExchange, err, "pcscard: connect to %q", reader)
	}
	slog.Debug("pcscard connected", "reader", reader, "index", readerIndex)

	return &Connection{ctx: ctx, card: card, reader: reader}, nil
}

// Reader returns the name of the reader this connection is attached to.
func (c *Connection) Reader() string { return c.reader }

// Close disconnects the card and releases the PC/SC context. Teardown
// failures are traced, not returned: by the time Close runs the
// operation's outcome is already decided.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.card != nil {
		if err := c.card.Disconnect(scard.LeaveCard); err != nil {
			slog.Debug("pcscard disconnect", "err", err)
		}
	}
	if c.ctx != nil {
		if err := c.ctx.Release(); err != nil {
			slog.Debug("pcscard release", "err", err)
		}
	}
}

// Transmit sends one raw APDU to the card and returns its full response,
// status word included.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.card == nil {
		return nil, pm3err.New(pm3err.ECardExchange, "pcscard: connection not established")
	}
	slog.Debug("pcscard tx", "apdu", apdu)
	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, pm3err.Wrap(pm3err.ECardExchange, err, "pcscard: transmit")
	}
	slog.Debug("pcscard rx", "resp", resp)
	return resp, nil
}
