package gallagher

import (
	"bytes"
	"fmt"

	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

// CADAID is the fixed application ID of the Gallagher Card Application
// Directory.
const CADAID uint32 = 0x2F81F4

const (
	entrySize      = 6
	entriesPerFile = 6
	fileSize       = entrySize * entriesPerFile // 36
	maxFiles       = 3
	maxEntries     = maxFiles * entriesPerFile // 18
)

// Entry is one slot of the Card Application Directory: a facility
// identifier paired with the AID of the application that serves it.
type Entry struct {
	RegionCode   uint8
	FacilityCode uint16
	AID          uint32
}

// EncodeEntry packs an Entry into its 6-byte on-card form: region(1) +
// facility(2, big-endian) + AID(3, CAD byte order — reverse of DESFire's
// own AID byte order).
func EncodeEntry(e Entry) []byte {
	b := make([]byte, entrySize)
	b[0] = e.RegionCode
	b[1] = byte(e.FacilityCode >> 8)
	b[2] = byte(e.FacilityCode)
	b[3] = byte(e.AID >> 16)
	b[4] = byte(e.AID >> 8)
	b[5] = byte(e.AID)
	return b
}

// DecodeEntry unpacks a 6-byte CAD entry.
func DecodeEntry(b []byte) Entry {
	return Entry{
		RegionCode:   b[0],
		FacilityCode: uint16(b[1])<<8 | uint16(b[2]),
		AID:          uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
	}
}

// CAD is an in-memory mirror of the Gallagher Card Application Directory,
// mutated and serialized back out file-by-file the same way
// hfgal_add_aid_to_cad/hfgal_remove_aid_from_cad lay bytes out on the card.
type CAD struct {
	raw [maxEntries * entrySize]byte
	n   int
}

// DecodeCAD reconstructs a CAD from up to 3 concatenated 36-byte files,
// stopping at the first all-zero entry — mirroring hfgal_read_cad's
// early-stop and its tolerance of a failed read past file 0 (a short
// `files` slice, e.g. containing only file 0, is treated the same as
// files 1-2 reading back empty).
func DecodeCAD(files [][]byte) *CAD {
	c := &CAD{}
	off := 0
	for _, f := range files {
		copy(c.raw[off:], f)
		off += fileSize
		if off >= len(c.raw) {
			break
		}
	}
	for i := 0; i < maxEntries; i++ {
		entry := c.raw[i*entrySize : (i+1)*entrySize]
		if bytes.Equal(entry, make([]byte, entrySize)) {
			break
		}
		c.n++
	}
	return c
}

// NumEntries returns the number of populated entries.
func (c *CAD) NumEntries() int { return c.n }

// Entries returns all populated entries, decoded.
func (c *CAD) Entries() []Entry {
	out := make([]Entry, c.n)
	for i := 0; i < c.n; i++ {
		out[i] = DecodeEntry(c.raw[i*entrySize : (i+1)*entrySize])
	}
	return out
}

// FindByFacility returns the entry matching region+facility and true, or
// the zero Entry and false.
func (c *CAD) FindByFacility(region uint8, facility uint16) (Entry, bool) {
	for _, e := range c.Entries() {
		if e.RegionCode == region && e.FacilityCode == facility {
			return e, true
		}
	}
	return Entry{}, false
}

// FindByAID returns the entry with the given AID and true, or the zero
// Entry and false.
func (c *CAD) FindByAID(aid uint32) (Entry, bool) {
	for _, e := range c.Entries() {
		if e.AID == aid {
			return e, true
		}
	}
	return Entry{}, false
}

// FileUpdate describes one write that must reach the card to persist an
// Add/Remove mutation: Content bytes at Offset within FileID, with the
// file instead created first (a brand-new file gets its full 36 bytes at
// offset 0) or deleted (now empty).
type FileUpdate struct {
	FileID  uint8
	Create  bool
	Delete  bool
	Offset  int
	Content []byte // valid unless Delete
}

// Add inserts a new entry, returning the FileUpdate the caller must write
// (and, if Create is set, the CreateFile call that must precede it).
// Mirrors hfgal_add_aid_to_cad's duplicate check, slot arithmetic, and
// file-creation-on-first-entry behavior: the first entry of a new file
// writes the whole 36 bytes, any other entry writes only its own 6 bytes
// at the slot's offset.
func (c *CAD) Add(e Entry) (FileUpdate, error) {
	if c.n >= maxEntries {
		return FileUpdate{}, pm3err.New(pm3err.EFatal, "card application directory is full")
	}
	if _, exists := c.FindByFacility(e.RegionCode, e.FacilityCode); exists {
		return FileUpdate{}, pm3err.New(pm3err.EFatal, "facility already exists in CAD")
	}

	fileID := uint8(c.n / entriesPerFile)
	entryNum := c.n % entriesPerFile
	copy(c.raw[c.n*entrySize:], EncodeEntry(e))
	c.n++

	if entryNum == 0 {
		content := make([]byte, fileSize)
		copy(content, c.raw[int(fileID)*fileSize:int(fileID)*fileSize+fileSize])
		return FileUpdate{
			FileID:  fileID,
			Create:  true,
			Content: content,
		}, nil
	}
	return FileUpdate{
		FileID:  fileID,
		Offset:  entryNum * entrySize,
		Content: EncodeEntry(e),
	}, nil
}

// Remove deletes the entry for the given AID, shifting all subsequent
// entries left and zeroing the vacated slot, mirroring
// hfgal_remove_aid_from_cad's memmove-then-clear. Returns the set of
// files that must be rewritten, and whether the final file is now empty
// and should be deleted.
func (c *CAD) Remove(aid uint32) ([]FileUpdate, error) {
	idx := -1
	for i, e := range c.Entries() {
		if e.AID == aid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, pm3err.New(pm3err.InvArg, "specified AID does not exist in the Card Application Directory")
	}
	originalN := c.n

	copy(c.raw[idx*entrySize:], c.raw[(idx+1)*entrySize:])
	for i := len(c.raw) - entrySize; i < len(c.raw); i++ {
		c.raw[i] = 0
	}
	c.n--

	fileIDStart := idx / entriesPerFile
	fileIDStop := (originalN - 1) / entriesPerFile
	deleteLast := (originalN-1)%entriesPerFile == 0

	lastWritable := fileIDStop
	if deleteLast {
		lastWritable = fileIDStop - 1
	}

	var updates []FileUpdate
	for fileID := fileIDStart; fileID <= lastWritable; fileID++ {
		content := make([]byte, fileSize)
		copy(content, c.raw[fileID*fileSize:(fileID+1)*fileSize])
		updates = append(updates, FileUpdate{FileID: uint8(fileID), Content: content})
	}
	if deleteLast {
		updates = append(updates, FileUpdate{FileID: uint8(fileIDStop), Delete: true})
	}
	return updates, nil
}

// FacilityString renders region+facility the way the CLI reports matches,
// e.g. for logging (`%02X:%04X`).
func FacilityString(region uint8, facility uint16) string {
	return fmt.Sprintf("%02X:%04X", region, facility)
}
