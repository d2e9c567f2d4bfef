// Command staticnestedcli drives the reused-key static-nested attack
// (pkg/staticnested) against two or more captures sharing a Crypto-1 key
// and writes every key found consistent with all of them to keys.dic, one
// hex key per line, matching staticnested_0nt.c's own output file.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/barnettlynn/pm3core/pkg/staticnested"
)

// parseCaptures reads a sequence of 9-byte capture records: uid:u32 LE,
// nt_enc:u32 LE, par_enc:u8 — the same per-capture shape the hardnested
// wire format uses for a single nonce, reused here since static-nested
// needs a UID per capture (sectors can be keyed identically across
// different cards).
func parseCaptures(raw []byte) ([]staticnested.Capture, error) {
	const recordSize = 9
	if len(raw)%recordSize != 0 {
		return nil, fmt.Errorf("staticnestedcli: capture file size %d is not a multiple of %d", len(raw), recordSize)
	}
	var out []staticnested.Capture
	for off := 0; off+recordSize <= len(raw); off += recordSize {
		out = append(out, staticnested.Capture{
			UID:    binary.LittleEndian.Uint32(raw[off : off+4]),
			NtEnc:  binary.LittleEndian.Uint32(raw[off+4 : off+8]),
			ParEnc: raw[off+8],
		})
	}
	return out, nil
}

func main() {
	path := flag.String("f", "", "captures file (9-byte records: uid, nt_enc, par_enc)")
	out := flag.String("o", "keys.dic", "output key dictionary path")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "staticnestedcli: -f is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "staticnestedcli: %v\n", err)
		os.Exit(1)
	}
	captures, err := parseCaptures(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "staticnestedcli: %v\n", err)
		os.Exit(1)
	}
	if len(captures) < 2 {
		fmt.Fprintln(os.Stderr, "staticnestedcli: at least 2 captures are required")
		os.Exit(1)
	}

	candidates := staticnested.GenerateCandidates(captures[0])
	p := mpb.New(mpb.WithWidth(80))
	bar := p.AddBar(int64(len(candidates)),
		mpb.PrependDecorators(decor.Name("intersecting candidates: "), decor.Percentage(decor.WCSyncSpace)),
		mpb.AppendDecorators(decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!")),
	)

	var cancel atomic.Bool
	result := staticnested.Recover(captures, func(pr staticnested.Progress) {
		bar.SetCurrent(int64(pr.Done))
	}, &cancel)
	p.Wait()

	tallies := staticnested.AnalyzeKeys(result)
	fmt.Printf("%d anchor candidates, %d keys confirmed against multiple captures\n", result.AnchorCandidates, len(tallies))

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "staticnestedcli: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range staticnested.ExportKeys(result) {
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "staticnestedcli: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}
