// Package dict implements the AID/OID/ECP dictionary lookup:
// a JSON file mapping a hex-encoded identifier to a human-readable name,
// consulted by a reader-output layer (cmd/traceview) to annotate raw
// bytes on a trace listing. This module's core
// (protocol state machines, secure channels, cryptanalysis) never
// consults it; it exists purely so CLI output can say "MasterCard PayPass"
// instead of "A0 00 00 00 04 10 10".
package dict

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

// Entry is one dictionary row: an identifier (AID, OID, or ECP value) and
// the human-readable name it resolves to.
type Entry struct {
	Value       string `json:"value"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Dictionary is an in-memory lookup table loaded from a JSON file, keyed
// by the uppercase hex form of each entry's identifier bytes.
type Dictionary struct {
	entries map[string]Entry
}

// Load reads a JSON array of Entry values from path and returns a
// Dictionary keyed for lookup. A malformed file yields a pm3err.ESoft
// error; a missing file yields pm3err.EFile.
func Load(path string) (*Dictionary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pm3err.Wrap(pm3err.EFile, err, "dict: cannot read %s", path)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, pm3err.Wrap(pm3err.ESoft, err, "dict: cannot parse %s", path)
	}

	d := &Dictionary{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		d.entries[normalize(e.Value)] = e
	}
	return d, nil
}

// Lookup resolves raw identifier bytes to their dictionary entry. ok is
// false when no entry matches, in which case callers typically fall back
// to printing the raw hex.
func (d *Dictionary) Lookup(raw []byte) (Entry, bool) {
	if d == nil {
		return Entry{}, false
	}
	e, ok := d.entries[normalize(fmt.Sprintf("%X", raw))]
	return e, ok
}

// Name is a convenience wrapper over Lookup returning just the resolved
// name, or the original hex string unchanged if there is no match.
func (d *Dictionary) Name(raw []byte) string {
	if e, ok := d.Lookup(raw); ok {
		return e.Name
	}
	return fmt.Sprintf("%X", raw)
}

func normalize(hex string) string {
	return strings.ToUpper(strings.ReplaceAll(hex, " ", ""))
}
