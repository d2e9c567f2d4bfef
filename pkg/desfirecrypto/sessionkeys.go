package desfirecrypto

// DeriveEV2SessionKeys builds the AES-128 session ENC/MAC keys for
// DESFire EV2First mutual authentication from the two 16-byte random
// challenges, following the SV1/SV2 vector construction in EV2First and
// NTAG424 DNA (the same derivation both families specify; the master
// key here may be any DESFire-compatible AES-128 key, not just an
// NTAG424 application key).
func DeriveEV2SessionKeys(key, rndA, rndB []byte) (kenc, kmac []byte, err error) {
	sv1 := make([]byte, 32)
	sv2 := make([]byte, 32)
	copy(sv1, []byte{0xA5, 0x5A, 0x00, 0x01, 0x00, 0x80})
	copy(sv2, []byte{0x5A, 0xA5, 0x00, 0x01, 0x00, 0x80})
	copy(sv1[6:8], rndA[:2])
	copy(sv2[6:8], rndA[:2])
	for i := 0; i < 6; i++ {
		sv1[8+i] = rndA[2+i] ^ rndB[i]
		sv2[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv1[14:24], rndB[6:16])
	copy(sv2[14:24], rndB[6:16])
	copy(sv1[24:32], rndA[8:16])
	copy(sv2[24:32], rndA[8:16])

	kenc, err = AESCMAC(key, sv1)
	if err != nil {
		return nil, nil, err
	}
	kmac, err = AESCMAC(key, sv2)
	if err != nil {
		return nil, nil, err
	}
	return kenc, kmac, nil
}

// TransactionIdentifier derives DESFire's per-session 4-byte transaction
// identifier by copying the first 4 bytes of EV2First's final decrypted
// response block, the TI field the card returns there.
func TransactionIdentifier(decryptedFinalResponse []byte) []byte {
	ti := make([]byte, 4)
	copy(ti, decryptedFinalResponse[:4])
	return ti
}
