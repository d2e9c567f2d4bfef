package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/pm3core/pkg/desfire"
	"github.com/barnettlynn/pm3core/pkg/gallagher"
)

var (
	deleteAID          string
	deleteSiteKeyHex   string
	deleteCADKeyHex    string
	deleteNoCADUpdate  bool
	deleteNoAppDelete  bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove a CAD entry and optionally delete the backing application",
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().StringVar(&deleteAID, "aid", "", "target DESFire application ID (hex, 3 bytes)")
	deleteCmd.Flags().StringVar(&deleteSiteKeyHex, "sitekey", "", "site key (hex)")
	deleteCmd.Flags().StringVar(&deleteCADKeyHex, "cadkey", "", "Card Application Directory key (hex)")
	deleteCmd.Flags().BoolVar(&deleteNoCADUpdate, "nocadupdate", false, "skip removing the AID from the CAD")
	deleteCmd.Flags().BoolVar(&deleteNoAppDelete, "noappdelete", false, "leave the backing application on the card")
}

func runDelete(cmd *cobra.Command, args []string) error {
	aidBytes, err := decodeHex([]byte(deleteAID))
	if err != nil || len(aidBytes) != 3 {
		return fmt.Errorf("hfgallagher: --aid must be 3 hex bytes")
	}
	aid := uint32(aidBytes[0])<<16 | uint32(aidBytes[1])<<8 | uint32(aidBytes[2])

	siteKey, err := resolveKey(deleteSiteKeyHex, "")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	card, closeFn, err := connect(cfg.ReaderIndex(flagReader))
	if err != nil {
		return err
	}
	defer closeFn()

	if !deleteNoCADUpdate {
		if err := updateCAD(card, siteKey, deleteCADKeyHex, func(cad *gallagher.CAD) ([]gallagher.FileUpdate, error) {
			return cad.Remove(aid)
		}); err != nil {
			return err
		}
	}

	if deleteNoAppDelete {
		return nil
	}
	ctx := &desfire.Context{}
	if err := gallagher.SelectApplication(card, ctx, 0x000000); err != nil {
		return err
	}
	return desfireDeleteApplication(card, ctx, aid)
}

func desfireDeleteApplication(card desfire.Card, ctx *desfire.Context, aid uint32) error {
	resp, sw, err := desfire.Transmit(card, 0xDA, []byte{byte(aid), byte(aid >> 8), byte(aid >> 16)})
	if err != nil {
		return err
	}
	_, err = desfire.DecodeResponse(ctx, 0xDA, byte(sw), resp)
	return err
}
