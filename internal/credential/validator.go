package credential

import (
	"crypto/hmac"
	"time"
)

// Validator decides whether a claimed digest is fresh. It recomputes
// the expected digests rather than consulting anything the display was
// sent, so validation never waits on rotation.
type Validator struct {
	codec *Codec
}

// NewValidator returns a Validator sharing codec's key.
func NewValidator(codec *Codec) *Validator {
	return &Validator{codec: codec}
}

// Validate reports whether claimed is the digest for the slice
// containing now or the slice immediately before it. A digest for
// slice k is accepted while now is in slice k or k+1 and never again.
func (v *Validator) Validate(classID, sessionID, claimed string, now time.Time) bool {
	if !ValidIdentifier(classID) || !ValidIdentifier(sessionID) || !IsDigest(claimed) {
		return false
	}
	current := Slice(now)
	match := false
	for _, slice := range [...]int64{current, current - 1} {
		expected := v.codec.Derive(classID, sessionID, slice)
		if hmac.Equal([]byte(expected), []byte(claimed)) {
			match = true
		}
	}
	return match
}
