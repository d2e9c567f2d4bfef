package main

import (
	"errors"
	"os"

	hfgconfig "github.com/barnettlynn/pm3core/cmd/hfgallagher/internal/config"
	"github.com/barnettlynn/pm3core/pkg/desfire"
	"github.com/barnettlynn/pm3core/pkg/pcscard"
	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

// exitCodeFor maps any error this CLI returns onto a process exit code,
// following the PM3_* exit-code convention (pm3err.ExitCode),
// falling back to 1 for errors this core didn't originate.
func exitCodeFor(err error) int {
	var pe *pm3err.Error
	if errors.As(err, &pe) {
		return pm3err.ExitCode(pe.Kind)
	}
	return 1
}

// loadConfig reads the --config file if one was given, returning a zero
// Config (every lookup falls back to its caller-supplied default) if not.
func loadConfig() (*hfgconfig.Config, error) {
	if flagConfig == "" {
		return &hfgconfig.Config{}, nil
	}
	return hfgconfig.Load(flagConfig)
}

// connect opens a PC/SC connection to the configured reader index. The
// returned *pcscard.Connection satisfies desfire.Card structurally, the
// same transport-agnostic pattern pkg/desfire's own Card interface
// documents.
func connect(readerIndex int) (desfire.Card, func(), error) {
	conn, err := pcscard.Connect(readerIndex)
	if err != nil {
		return nil, func() {}, pm3err.Wrap(pm3err.ECardExchange, err, "hfgallagher: could not connect to reader %d", readerIndex)
	}
	return conn, conn.Close, nil
}

func readHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pm3err.Wrap(pm3err.EFile, err, "hfgallagher: cannot read key file %s", path)
	}
	return decodeHex(raw)
}
