// Package policy gates execute operations. A policy decides whether an
// execute request may proceed; confirmation tokens bind a prior approval to
// one exact request via a canonical hash.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/agenr/agenr/pkg/faults"
)

// RequestHash commits to one execute request for one business. The request
// is canonicalised per RFC 8785 before hashing, so key order never matters
// and numerically equal literals (1 vs 1.0) produce the same hash.
func RequestHash(businessID string, request map[string]any) (string, error) {
	if request == nil {
		request = map[string]any{}
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return "", faults.Wrap(faults.KindInvalid, err, "marshal execute request")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", faults.Wrap(faults.KindInvalid, err, "canonicalize execute request")
	}
	sum := sha256.Sum256([]byte(businessID + ":" + string(canonical)))
	return hex.EncodeToString(sum[:]), nil
}
