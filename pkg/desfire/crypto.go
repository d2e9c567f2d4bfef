package desfire

import "github.com/barnettlynn/pm3core/pkg/desfirecrypto"

// cbcEncrypt/cbcDecrypt dispatch to the AES or 3DES block-aligned CBC
// helper in pkg/desfirecrypto according to algo, so the authentication and
// secure-messaging code in this package never has to branch on cipher type
// itself.
func cbcEncrypt(algo Algorithm, key, iv, data []byte) ([]byte, error) {
	if algo == AlgoAES {
		return desfirecrypto.AESCBCEncrypt(key, iv, data)
	}
	tdes, err := desfirecrypto.NewTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	return tdes.CBCEncrypt(iv, data)
}

func cbcDecrypt(algo Algorithm, key, iv, data []byte) ([]byte, error) {
	if algo == AlgoAES {
		return desfirecrypto.AESCBCDecrypt(key, iv, data)
	}
	tdes, err := desfirecrypto.NewTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	return tdes.CBCDecrypt(iv, data)
}

func cmacOf(algo Algorithm, key, msg []byte) ([]byte, error) {
	if algo == AlgoAES {
		return desfirecrypto.AESCMAC(key, msg)
	}
	tdes, err := desfirecrypto.NewTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	return tdes.CMAC(msg)
}

// rotateLeft1 cyclically shifts b left by one byte, used to fold RndB into
// the second authentication APDU and to check the card's echoed RndA back.
func rotateLeft1(b []byte) []byte {
	out := make([]byte, len(b))
	if len(b) == 0 {
		return out
	}
	copy(out, b[1:])
	out[len(b)-1] = b[0]
	return out
}

// rotateRight1 is rotateLeft1's inverse.
func rotateRight1(b []byte) []byte {
	out := make([]byte, len(b))
	if len(b) == 0 {
		return out
	}
	copy(out[1:], b[:len(b)-1])
	out[0] = b[len(b)-1]
	return out
}
