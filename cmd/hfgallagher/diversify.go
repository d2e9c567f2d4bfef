package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/pm3core/pkg/gallagher"
	"github.com/barnettlynn/pm3core/pkg/pcscard"
)

var (
	diversifyAID      string
	diversifyKeyNum   int
	diversifyUID      string
	diversifySiteKey  string
)

var diversifyCmd = &cobra.Command{
	Use:   "diversify",
	Short: "Derive a per-card Gallagher application key from a site key and UID",
	RunE:  runDiversify,
}

func init() {
	diversifyCmd.Flags().StringVar(&diversifyAID, "aid", "", "target DESFire application ID (hex, 3 bytes)")
	diversifyCmd.Flags().IntVar(&diversifyKeyNum, "keynum", 0, "key number to diversify")
	diversifyCmd.Flags().StringVar(&diversifyUID, "uid", "", "card UID (hex); read from a connected card if omitted")
	diversifyCmd.Flags().StringVar(&diversifySiteKey, "sitekey", "", "site key (hex); prompted if omitted")
}

func runDiversify(cmd *cobra.Command, args []string) error {
	aidBytes, err := decodeHex([]byte(diversifyAID))
	if err != nil || len(aidBytes) != 3 {
		return fmt.Errorf("hfgallagher: --aid must be 3 hex bytes")
	}
	aid := uint32(aidBytes[0])<<16 | uint32(aidBytes[1])<<8 | uint32(aidBytes[2])

	siteKey, err := resolveKey(diversifySiteKey, "")
	if err != nil {
		return err
	}

	var uid []byte
	if diversifyUID != "" {
		uid, err = decodeHex([]byte(diversifyUID))
		if err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := pcscard.Connect(cfg.ReaderIndex(flagReader))
		if err != nil {
			return err
		}
		defer conn.Close()
		uid, err = cardUID(conn)
		if err != nil {
			return err
		}
	}

	key, err := gallagher.DiversifyKey(siteKey, uid, byte(diversifyKeyNum), aid)
	if err != nil {
		return err
	}
	fmt.Printf("%X\n", key)
	return nil
}
