package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/barnettlynn/pm3core/pkg/desfire"
	"github.com/barnettlynn/pm3core/pkg/gallagher"
)

var (
	cloneRegion       uint8
	cloneFacility     uint16
	cloneCardNum      uint32
	cloneIssueLevel   uint8
	cloneAID          string
	cloneSiteKeyHex   string
	cloneCADKeyHex    string
	cloneNoCADUpdate  bool
	cloneNoAppCreate  bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Write a Gallagher credential to a card and register it in the CAD",
	RunE:  runClone,
}

func init() {
	cloneCmd.Flags().Uint8Var(&cloneRegion, "rc", 0, "region code (0..15)")
	cloneCmd.Flags().Uint16Var(&cloneFacility, "fc", 0, "facility code (0..65535)")
	cloneCmd.Flags().Uint32Var(&cloneCardNum, "cn", 0, "card number (0..16777215)")
	cloneCmd.Flags().Uint8Var(&cloneIssueLevel, "il", 0, "issue level (0..15)")
	cloneCmd.Flags().StringVar(&cloneAID, "aid", "", "target DESFire application ID (hex, 3 bytes)")
	cloneCmd.Flags().StringVar(&cloneSiteKeyHex, "sitekey", "", "site key (hex) for key diversification")
	cloneCmd.Flags().StringVar(&cloneCADKeyHex, "cadkey", "", "Card Application Directory key (hex)")
	cloneCmd.Flags().BoolVar(&cloneNoCADUpdate, "nocadupdate", false, "skip registering the AID in the CAD")
	cloneCmd.Flags().BoolVar(&cloneNoAppCreate, "noappcreate", false, "assume the target application already exists")
}

func runClone(cmd *cobra.Command, args []string) error {
	if !gallagher.IsValidCreds(uint64(cloneRegion), uint64(cloneFacility), uint64(cloneCardNum), uint64(cloneIssueLevel)) {
		return fmt.Errorf("hfgallagher: credential field out of range")
	}
	aidBytes, err := decodeHex([]byte(cloneAID))
	if err != nil || len(aidBytes) != 3 {
		return fmt.Errorf("hfgallagher: --aid must be 3 hex bytes")
	}
	aid := uint32(aidBytes[0])<<16 | uint32(aidBytes[1])<<8 | uint32(aidBytes[2])

	siteKey, err := resolveKey(cloneSiteKeyHex, "")
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

	ctx := &desfire.Context{}
	uid, err := cardUID(card)
	if err != nil {
		return err
	}
	appKey, err := gallagher.DiversifyKey(siteKey, uid, 0, aid)
	if err != nil {
		return err
	}

	if !cloneNoAppCreate {
		if err := gallagher.SelectApplication(card, ctx, 0x000000); err != nil {
			return err
		}
		if err := gallagher.CreateApplication(card, ctx, aid); err != nil {
			return err
		}
	}
	if err := gallagher.SelectApplication(card, ctx, aid); err != nil {
		return err
	}
	if err := desfire.AuthenticateEV1(card, ctx, desfire.AlgoAES, appKey, 0); err != nil {
		return err
	}
	if !cloneNoAppCreate {
		if err := gallagher.CreateCredentialFile(card, ctx); err != nil {
			return err
		}
	}

	block := gallagher.EncodeStorageBlock(gallagher.Credentials{
		RegionCode:   cloneRegion,
		FacilityCode: cloneFacility,
		CardNumber:   cloneCardNum,
		IssueLevel:   cloneIssueLevel,
	})
	ctx.CommMode = desfire.CommEncrypted
	if err := gallagher.WriteFile(card, ctx, 0, block); err != nil {
		return err
	}
	slog.Info("wrote credential block", "aid", fmt.Sprintf("%06X", aid))

	if cloneNoCADUpdate {
		return nil
	}
	return updateCAD(card, siteKey, cloneCADKeyHex, func(cad *gallagher.CAD) ([]gallagher.FileUpdate, error) {
		update, err := cad.Add(gallagher.Entry{RegionCode: cloneRegion, FacilityCode: cloneFacility, AID: aid})
		if err != nil {
			return nil, err
		}
		return []gallagher.FileUpdate{update}, nil
	})
}

func resolveKey(hexStr string, path string) ([]byte, error) {
	if hexStr != "" {
		return decodeHex([]byte(hexStr))
	}
	if path != "" {
		return readHexFile(path)
	}
	return promptMaskedKey("site key")
}

// promptMaskedKey reads a hex key from the terminal with input masked,
// grounded on keyswap/main.go's raw-mode entry loop.
func promptMaskedKey(label string) ([]byte, error) {
	fmt.Printf("Enter %s (hex): ", label)
	b, err := term.ReadPassword(0)
	fmt.Println()
	if err != nil {
		return nil, err
	}
	return decodeHex(b)
}

func cardUID(card desfire.Card) ([]byte, error) {
	resp, sw, err := desfire.Transmit(card, 0x51, nil)
	if err != nil {
		return nil, err
	}
	if sw != desfire.StatusOK {
		return nil, fmt.Errorf("hfgallagher: GetCardUID failed (SW=%04X)", sw)
	}
	return resp, nil
}

// updateCAD reads the current CAD state (a free, unauthenticated read),
// runs mutate against it, then authenticates key 0 with the caller's CAD
// key, or with the site key diversified for the CAD application when none
// is given, before writing back every resulting FileUpdate. Only that one
// key is tried; a failed authentication is returned as is.
func updateCAD(card desfire.Card, siteKey []byte, cadKeyHex string, mutate func(*gallagher.CAD) ([]gallagher.FileUpdate, error)) error {
	ctx := &desfire.Context{}
	cad, err := gallagher.ReadCAD(card, ctx)
	if err != nil {
		return err
	}
	updates, err := mutate(cad)
	if err != nil {
		return err
	}

	var cadKey []byte
	if cadKeyHex != "" {
		if cadKey, err = decodeHex([]byte(cadKeyHex)); err != nil {
			return err
		}
	} else {
		uid, err := cardUID(card)
		if err != nil {
			return err
		}
		if cadKey, err = gallagher.DiversifyKey(siteKey, uid, 0, gallagher.CADAID); err != nil {
			return err
		}
	}
	// ReadCAD left the CAD application selected; authenticate its key 0
	// before the writes, which DESFire gates on that key.
	if err := desfire.AuthenticateEV1(card, ctx, desfire.AlgoAES, cadKey, 0); err != nil {
		return err
	}
	ctx.CommMode = desfire.CommPlain
	return gallagher.ApplyUpdates(card, ctx, updates)
}
