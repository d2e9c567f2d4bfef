package desfire

import (
	"fmt"

	"github.com/barnettlynn/pm3core/pkg/desfirecrypto"
)

// DeriveD40SessionKey builds the legacy d40 (plain DES/2TDEA) session key
// from the two 8-byte random challenges: rndA[0:4] ||
// rndB[0:4] || rndA[4:8] || rndB[4:8].
func DeriveD40SessionKey(rndA, rndB []byte) ([]byte, error) {
	if len(rndA) != 8 || len(rndB) != 8 {
		return nil, fmt.Errorf("desfire: d40 session key derivation needs 8-byte challenges, got %d/%d", len(rndA), len(rndB))
	}
	key := make([]byte, 16)
	copy(key[0:4], rndA[0:4])
	copy(key[4:8], rndB[0:4])
	copy(key[8:12], rndA[4:8])
	copy(key[12:16], rndB[4:8])
	return key, nil
}

// DeriveEV1SessionKey builds an EV1 (CMAC-framed 2K3DES/3K3DES/AES) session
// key from the two 16-byte random challenges: rndA[0:4]
// || rndB[0:4] || rndA[12:16] || rndB[12:16].
func DeriveEV1SessionKey(rndA, rndB []byte) ([]byte, error) {
	if len(rndA) != 16 || len(rndB) != 16 {
		return nil, fmt.Errorf("desfire: EV1 session key derivation needs 16-byte challenges, got %d/%d", len(rndA), len(rndB))
	}
	key := make([]byte, 16)
	copy(key[0:4], rndA[0:4])
	copy(key[4:8], rndB[0:4])
	copy(key[8:12], rndA[12:16])
	copy(key[12:16], rndB[12:16])
	return key, nil
}

// DeriveEV2SessionKeys wraps pkg/desfirecrypto's AES-CMAC SV1/SV2
// construction, the EV2First derivation DESFire shares verbatim with
// NTAG424's own EV2First.
func DeriveEV2SessionKeys(key, rndA, rndB []byte) (sessionEnc, sessionMAC []byte, err error) {
	return desfirecrypto.DeriveEV2SessionKeys(key, rndA, rndB)
}
