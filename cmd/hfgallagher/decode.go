package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/pm3core/pkg/gallagher"
)

var decodeData string

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode a raw Gallagher credential storage block",
	RunE:  runDecode,
}

func init() {
	decodeCmd.Flags().StringVar(&decodeData, "data", "", "raw credential storage block (hex, 8 or 16 bytes)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw, err := decodeHex([]byte(decodeData))
	if err != nil {
		return err
	}

	var creds gallagher.Credentials
	switch len(raw) {
	case 8:
		creds, err = gallagher.DecodeCreds(raw)
	case 16:
		creds, err = gallagher.DecodeStorageBlock(raw)
	default:
		return fmt.Errorf("hfgallagher: --data must be 8 or 16 bytes, got %d", len(raw))
	}
	if err != nil {
		return err
	}

	fmt.Printf("Region:   %d\n", creds.RegionCode)
	fmt.Printf("Facility: %d\n", creds.FacilityCode)
	fmt.Printf("Card:     %d\n", creds.CardNumber)
	fmt.Printf("Issue:    %d\n", creds.IssueLevel)
	return nil
}
