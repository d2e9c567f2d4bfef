package gallagher

import (
	"github.com/barnettlynn/pm3core/pkg/desfire"
	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

// DESFire native command bytes the Card Application Directory operations
// compose on top of pkg/desfire's secure-messaging pipeline. Matches the
// command bytes cmdhfgallagher.c issues via DesfireSelectAndAuthenticate/
// DesfireReadFile/DesfireCreateFile.
const (
	cmdSelectApplication = 0x5A
	cmdReadData          = 0xBD
	cmdWriteData         = 0x3D
	cmdCreateStdDataFile = 0xCD
	cmdDeleteFile        = 0xDF
	cmdCreateApplication = 0xCA
)

func aidLE(aid uint32) []byte {
	return []byte{byte(aid), byte(aid >> 8), byte(aid >> 16)}
}

// SelectApplication switches to aid, invalidating any prior secure session
// (select-application always invalidates an active session).
func SelectApplication(card desfire.Card, ctx *desfire.Context, aid uint32) error {
	ctx.Reset()
	_, sw, err := desfire.Transmit(card, cmdSelectApplication, aidLE(aid))
	if err != nil {
		return err
	}
	if sw != desfire.StatusOK {
		return pm3err.WrapSW(sw, "gallagher: select application %06X failed", aid)
	}
	return nil
}

// readFileRaw reads the entirety of fileID under ctx's established comm
// mode, chaining through any 0xAF additional-frame responses.
func readFileRaw(card desfire.Card, ctx *desfire.Context, fileID byte) ([]byte, error) {
	header := []byte{fileID, 0, 0, 0, 0, 0, 0} // offset=0, length=0 (read-to-EOF)
	apdu, err := desfire.EncodeCommand(ctx, cmdReadData, header, nil)
	if err != nil {
		return nil, err
	}
	resp, sw, err := desfire.Transmit(card, cmdReadData, apdu[1:])
	if err != nil {
		return nil, err
	}
	full, finalSW, err := desfire.Chain(card, byte(sw), resp)
	if err != nil {
		return nil, err
	}
	return desfire.DecodeResponse(ctx, cmdReadData, finalSW, full)
}

// writeFileRaw writes content to fileID starting at offset (both the
// 3-byte offset and length fields of the native WriteData header are
// little-endian).
func writeFileRaw(card desfire.Card, ctx *desfire.Context, fileID byte, offset int, content []byte) error {
	header := []byte{
		fileID,
		byte(offset), byte(offset >> 8), byte(offset >> 16),
		byte(len(content)), byte(len(content) >> 8), byte(len(content) >> 16),
	}
	apdu, err := desfire.EncodeCommand(ctx, cmdWriteData, header, content)
	if err != nil {
		return err
	}
	resp, sw, err := desfire.Transmit(card, cmdWriteData, apdu[1:])
	if err != nil {
		return err
	}
	full, finalSW, err := desfire.Chain(card, byte(sw), resp)
	if err != nil {
		return err
	}
	_, err = desfire.DecodeResponse(ctx, cmdWriteData, finalSW, full)
	return err
}

// createStdDataFile creates a new standard data file of the given size
// with Plain communication mode and free read/write access, matching the
// access rights hfgal_add_aid_to_cad grants its CAD files.
func createStdDataFile(card desfire.Card, ctx *desfire.Context, fileID byte, size int) error {
	// Access rights: read, write and read/write free (0xE), change key 0.
	header := []byte{fileID, 0x00, 0xE0, 0xEE, byte(size), byte(size >> 8), byte(size >> 16)}
	apdu, err := desfire.EncodeCommand(ctx, cmdCreateStdDataFile, header, nil)
	if err != nil {
		return err
	}
	resp, sw, err := desfire.Transmit(card, cmdCreateStdDataFile, apdu[1:])
	if err != nil {
		return err
	}
	_, err = desfire.DecodeResponse(ctx, cmdCreateStdDataFile, byte(sw), resp)
	return err
}

// deleteFile removes fileID from the currently selected application.
func deleteFile(card desfire.Card, ctx *desfire.Context, fileID byte) error {
	apdu, err := desfire.EncodeCommand(ctx, cmdDeleteFile, []byte{fileID}, nil)
	if err != nil {
		return err
	}
	resp, sw, err := desfire.Transmit(card, cmdDeleteFile, apdu[1:])
	if err != nil {
		return err
	}
	_, err = desfire.DecodeResponse(ctx, cmdDeleteFile, byte(sw), resp)
	return err
}

// CreateApplication creates the DESFire application backing a Gallagher
// credential: AID plus the key settings cmdhfgallagher.c's
// hfgal_create_creds_app passes (key settings 0xB9, one AES key, no ISO
// file identifiers). The PICC-level application (AID 000000)
// must be selected first.
func CreateApplication(card desfire.Card, ctx *desfire.Context, aid uint32) error {
	header := append(aidLE(aid), 0xB9, 0x81)
	apdu, err := desfire.EncodeCommand(ctx, cmdCreateApplication, header, nil)
	if err != nil {
		return err
	}
	resp, sw, err := desfire.Transmit(card, cmdCreateApplication, apdu[1:])
	if err != nil {
		return err
	}
	_, err = desfire.DecodeResponse(ctx, cmdCreateApplication, byte(sw), resp)
	return err
}

// CreateCredentialFile creates file 0 of a freshly created credential
// application: 16 bytes, encrypted communication, all access gated on key
// 0, the file hfgal_create_creds_file lays down before the credential
// block write.
func CreateCredentialFile(card desfire.Card, ctx *desfire.Context) error {
	header := []byte{0x00, 0x03, 0x00, 0x00, 0x10, 0x00, 0x00}
	apdu, err := desfire.EncodeCommand(ctx, cmdCreateStdDataFile, header, nil)
	if err != nil {
		return err
	}
	resp, sw, err := desfire.Transmit(card, cmdCreateStdDataFile, apdu[1:])
	if err != nil {
		return err
	}
	_, err = desfire.DecodeResponse(ctx, cmdCreateStdDataFile, byte(sw), resp)
	return err
}

// ReadFile reads fileID's full content under ctx's established session,
// chaining through any additional-frame responses. ctx must already be
// authenticated against the application owning fileID.
func ReadFile(card desfire.Card, ctx *desfire.Context, fileID byte) ([]byte, error) {
	return readFileRaw(card, ctx, fileID)
}

// WriteFile writes content to fileID at offset 0 under ctx's established
// session.
func WriteFile(card desfire.Card, ctx *desfire.Context, fileID byte, content []byte) error {
	return writeFileRaw(card, ctx, fileID, 0, content)
}

// ReadCAD selects the Card Application Directory application and decodes
// its on-card state, tolerating a read failure past file 0 as "no more
// entries" the same way hfgal_read_cad does (see DESIGN.md).
func ReadCAD(card desfire.Card, ctx *desfire.Context) (*CAD, error) {
	if err := SelectApplication(card, ctx, CADAID); err != nil {
		return nil, err
	}

	var files [][]byte
	for fileID := byte(0); fileID < maxFiles; fileID++ {
		content, err := readFileRaw(card, ctx, fileID)
		if err != nil {
			if fileID == 0 {
				return nil, err
			}
			break
		}
		files = append(files, content)
	}
	return DecodeCAD(files), nil
}

// ApplyUpdate writes a single CAD FileUpdate back to the card: a write
// of Content at Offset for an existing file (a single 6-byte entry slot
// when produced by Add), a create-then-full-write for a brand-new file,
// or a delete for a now-empty trailing file. ctx must already be
// authenticated against the CAD application's key 0.
func ApplyUpdate(card desfire.Card, ctx *desfire.Context, u FileUpdate) error {
	switch {
	case u.Delete:
		return deleteFile(card, ctx, u.FileID)
	case u.Create:
		if err := createStdDataFile(card, ctx, u.FileID, fileSize); err != nil {
			return err
		}
		return writeFileRaw(card, ctx, u.FileID, 0, u.Content)
	default:
		return writeFileRaw(card, ctx, u.FileID, u.Offset, u.Content)
	}
}

// ApplyUpdates applies a sequence of FileUpdate values in order, as
// produced by CAD.Remove (which can touch several files in one mutation).
func ApplyUpdates(card desfire.Card, ctx *desfire.Context, updates []FileUpdate) error {
	for _, u := range updates {
		if err := ApplyUpdate(card, ctx, u); err != nil {
			return err
		}
	}
	return nil
}
