package main

import (
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/barnettlynn/pm3core/pkg/desfire"
	"github.com/barnettlynn/pm3core/pkg/gallagher"
)

var (
	readerAID       string
	readerSiteKey   string
	readerAllKeys   bool
	readerCADKeyNum int
)

var readerCmd = &cobra.Command{
	Use:   "reader",
	Short: "Read the Card Application Directory off a card and list its entries",
	RunE:  runReader,
}

func init() {
	readerCmd.Flags().StringVar(&readerAID, "aid", "", "restrict the listing to a single application ID (hex)")
	readerCmd.Flags().StringVar(&readerSiteKey, "sitekey", "", "site key (hex); accepted but unused, the CAD is read without authentication")
	readerCmd.Flags().IntVar(&readerCADKeyNum, "keynum", 0, "CAD application key number; accepted but unused, the CAD is read without authentication")
	readerCmd.Flags().BoolVarP(&readerAllKeys, "@", "@", false, "accepted but unused; the card is read once per run")
}

func runReader(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	card, closeFn, err := connect(cfg.ReaderIndex(flagReader))
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := &desfire.Context{}
	cad, err := gallagher.ReadCAD(card, ctx)
	if err != nil {
		return err
	}
	slog.Debug("read CAD", "entries", cad.NumEntries())

	entries := cad.Entries()
	if readerAID != "" {
		want, err := decodeHex([]byte(readerAID))
		if err != nil {
			return err
		}
		aid := uint32(want[0])<<16 | uint32(want[1])<<8 | uint32(want[2])
		filtered := entries[:0]
		for _, e := range entries {
			if e.AID == aid {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	printEntries(entries)
	return nil
}

func printEntries(entries []gallagher.Entry) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.AppendHeader(table.Row{"Region", "Facility", "AID"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			fmt.Sprintf("%02X", e.RegionCode),
			fmt.Sprintf("%04X", e.FacilityCode),
			fmt.Sprintf("%06X", e.AID),
		})
	}
	fmt.Println(t.Render())
}
