package main

import (
	"bytes"
	"encoding/hex"

	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

func decodeHex(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	b, err := hex.DecodeString(string(trimmed))
	if err != nil {
		return nil, pm3err.Wrap(pm3err.ESoft, err, "hfgallagher: malformed hex")
	}
	return b, nil
}
