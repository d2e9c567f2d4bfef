// Command hardnestedcli drives the Crypto-1 hardnested key-recovery engine
// (pkg/hardnested) against a nonces.bin capture file (a 6-byte header
// followed by 9-byte two-nonce records), reporting
// progress with an mpb bar and checkpointing acquired nonces to a bbolt
// database so a long session survives a restart.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/barnettlynn/pm3core/pkg/hardnested"
)

type fileHeader struct {
	UID          uint32
	TargetBlock  uint8
	TargetKey    uint8
}

func parseNonceFile(raw []byte) (fileHeader, []hardnested.Nonce, error) {
	if len(raw) < 6 {
		return fileHeader{}, nil, fmt.Errorf("hardnestedcli: nonces.bin too short for header")
	}
	hdr := fileHeader{
		UID:         binary.LittleEndian.Uint32(raw[0:4]),
		TargetBlock: raw[4],
		TargetKey:   raw[5],
	}

	var nonces []hardnested.Nonce
	off := 6
	for off+9 <= len(raw) {
		nt1 := binary.LittleEndian.Uint32(raw[off : off+4])
		nt2 := binary.LittleEndian.Uint32(raw[off+4 : off+8])
		parEnc := raw[off+8]
		nonces = append(nonces,
			hardnested.Nonce{Enc: nt1, ParEnc: parEnc >> 4},
			hardnested.Nonce{Enc: nt2, ParEnc: parEnc & 0x0F},
		)
		off += 9
	}
	return hdr, nonces, nil
}

func main() {
	path := flag.String("f", "", "nonces.bin capture file")
	checkpointPath := flag.String("checkpoint", "", "optional bbolt checkpoint db path")
	maxBruteForce := flag.Int("maxbf", 256, "maximum nonces retained for brute-force verification")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "hardnestedcli: -f is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hardnestedcli: %v\n", err)
		os.Exit(1)
	}
	hdr, nonces, err := parseNonceFile(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hardnestedcli: %v\n", err)
		os.Exit(1)
	}

	var cp *hardnested.Checkpoint
	if *checkpointPath != "" {
		cp, err = hardnested.OpenCheckpoint(*checkpointPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hardnestedcli: %v\n", err)
			os.Exit(1)
		}
		defer cp.Close()
		resumed, err := cp.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "hardnestedcli: %v\n", err)
			os.Exit(1)
		}
		nonces = append(nonces, resumed...)
	}

	collector := hardnested.NewCollector(*maxBruteForce)
	for _, n := range nonces {
		if collector.AddNonce(n) && cp != nil {
			if err := cp.Save(n); err != nil {
				fmt.Fprintf(os.Stderr, "hardnestedcli: checkpoint save: %v\n", err)
			}
		}
	}

	scores := collector.BestFirstBytes()
	if len(scores) == 0 {
		fmt.Println("no nonces collected")
		return
	}
	fmt.Printf("uid=%08X target block=%d key=%d, %d good first bytes of %d candidates\n",
		hdr.UID, hdr.TargetBlock, hdr.TargetKey, hardnested.NumGoodFirstBytes(scores), len(scores))

	oddList := hardnested.BuildPartialStateList(true)
	evenList := hardnested.BuildPartialStateList(false)
	pairTotal := hardnested.PairTotal(collector, oddList, evenList)
	fmt.Printf("%d candidate partial-state pairs to scan\n", pairTotal)
	if pairTotal == 0 {
		pairTotal = 1
	}

	p := mpb.New(mpb.WithWidth(80))
	bar := p.AddBar(pairTotal,
		mpb.PrependDecorators(decor.Name("hardnested search: "), decor.Percentage(decor.WCSyncSpace)),
		mpb.AppendDecorators(decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!")),
	)

	var cancel atomic.Bool
	keys := hardnested.Recover(hdr.UID, collector, func(done, total int64) {
		bar.SetCurrent(done)
	}, &cancel)
	p.Wait()

	if len(keys) == 0 {
		fmt.Println("no candidate key found")
		return
	}
	for _, k := range keys {
		fmt.Printf("%012X\n", k)
	}
}
