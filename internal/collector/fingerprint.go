package collector

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"hash"
	"slices"

	"golang.org/x/exp/maps"
)

// sortedKeys returns the map's keys in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Fingerprint digests a snapshot's data (never its stats or timestamp)
// into a 128-bit hex string. Exchanges and symbols are visited in
// sorted order, so two snapshots carrying the same values fingerprint
// identically regardless of map iteration or insertion order. The
// publisher compares fingerprints to suppress duplicate publishes.
func Fingerprint(s *Snapshot) string {
	h := md5.New()
	h.Write([]byte(s.Kind))

	switch s.Kind {
	case KindTickers:
		for _, ex := range sortedKeys(s.Tickers) {
			h.Write([]byte(ex))
			symbols := s.Tickers[ex]
			for _, sym := range sortedKeys(symbols) {
				v := symbols[sym]
				v.TimestampMS = 0 // content identity, not freshness
				writeValue(h, sym, v)
			}
		}
	case KindFunding:
		for _, ex := range sortedKeys(s.Funding) {
			h.Write([]byte(ex))
			symbols := s.Funding[ex]
			for _, sym := range sortedKeys(symbols) {
				v := symbols[sym]
				v.TimestampMS = 0
				writeValue(h, sym, v)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeValue feeds one (symbol, value) pair into the digest. Struct
// fields marshal in declaration order, which keeps the byte stream
// deterministic.
func writeValue(h hash.Hash, sym string, v interface{}) {
	buf, _ := json.Marshal(v)
	h.Write([]byte(sym))
	h.Write(buf)
}
