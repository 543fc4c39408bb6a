package tlsecho

import (
	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/base58"
	"github.com/glycerine/blake3"
)

// Fingerprint is the blake3 thumbprint of a DER
// certificate, in the "blake3.33B-<base64url>" form
// used across our tooling.
func Fingerprint(der []byte) string {
	h := blake3.New(64, nil)
	h.Write(der)
	sum := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}

// shortTag is a compact base58 label for log lines,
// derived from the same digest as Fingerprint.
func shortTag(der []byte) string {
	if len(der) == 0 {
		return "anon"
	}
	h := blake3.New(64, nil)
	h.Write(der)
	sum := h.Sum(nil)
	return base58.Encode(sum[:6])
}
