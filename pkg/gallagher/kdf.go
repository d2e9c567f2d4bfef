// Package gallagher implements the Gallagher Card Application Directory
// (CAD) on top of a DESFire application, the AN10922 site-key
// diversification used to derive its per-card keys, and the cardholder
// credential block codec, after the Proxmark3 client's
// cmdhfgallagher.c.
package gallagher

import "github.com/barnettlynn/pm3core/pkg/desfirecrypto"

// DefaultSiteKey is the well-known MIFARE site key cmdhfgallagher.c falls
// back to when the caller doesn't supply one (useful for decoding cards
// provisioned with Gallagher's own default configuration).
var DefaultSiteKey = []byte{
	0x31, 0x12, 0xB7, 0x38, 0xD8, 0x86, 0x2C, 0xCD,
	0x34, 0x30, 0x2E, 0xB2, 0x99, 0xAA, 0xB4, 0x56,
}

// KDFInput builds the 16-byte AN10922 diversification input Gallagher feeds
// into MifareKdfAn10922: byte0 is a fixed 0x01 marker, bytes1-7 are the UID
// (left-zero-padded out to 7 bytes for 4-byte UIDs), byte8 is the key
// number being diversified, bytes9-11 are the little-endian application ID,
// and bytes12-15 are the fixed suffix 0x80 0x01 0x00 0x00.
func KDFInput(uid []byte, keyNum byte, aid uint32) []byte {
	in := make([]byte, 16)
	in[0] = 0x01
	copy(in[1+(7-len(uid)):8], uid)
	in[8] = keyNum
	in[9] = byte(aid)
	in[10] = byte(aid >> 8)
	in[11] = byte(aid >> 16)
	in[12] = 0x80
	in[13] = 0x01
	in[14] = 0x00
	in[15] = 0x00
	return in
}

// DiversifyAN10922 computes the generic AN10922 AES-128 master-key
// diversification: AES-CMAC of the constant 0x01 followed by the
// caller's diversification input M (UID, AID, system identifier — the
// app note leaves M's composition to the application; Gallagher's
// specific M is what KDFInput builds).
func DiversifyAN10922(masterKey, m []byte) ([]byte, error) {
	return desfirecrypto.AESCMAC(masterKey, append([]byte{0x01}, m...))
}

// DiversifyKey derives the per-card Gallagher application key from a site
// key, UID, key number, and target AID, via AES-CMAC over KDFInput (the
// AN10922 "master key" diversification mode).
func DiversifyKey(siteKey, uid []byte, keyNum byte, aid uint32) ([]byte, error) {
	if siteKey == nil {
		siteKey = DefaultSiteKey
	}
	input := KDFInput(uid, keyNum, aid)
	return desfirecrypto.AESCMAC(siteKey, input)
}
