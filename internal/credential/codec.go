// Package credential derives, encodes, and validates the rotating
// credential shown on the lecture display.
//
// A credential is an HMAC-SHA256 digest over the class id, the session
// id, and the current time-slice. Every instant inside the same Window
// shares one slice, so every scan within that window sees the same
// digest regardless of sub-second skew between display and server.
package credential

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Window is the rotation interval of the displayed credential.
const Window = 10 * time.Second

// Separator joins the digest inputs. Identifiers containing it are
// rejected so that no two input tuples produce the same message.
const Separator = ":"

// DigestLen is the length of a hex-encoded HMAC-SHA256 digest.
const DigestLen = 2 * sha256.Size

var (
	// ErrMalformedCredential is returned by Decode for payloads that do
	// not carry exactly the three expected string fields.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrMissingKey is returned when a Codec is built without key material.
	ErrMissingKey = errors.New("credential key required")
)

// Credential is the structured value rendered into the display's QR code.
type Credential struct {
	ClassID   string `json:"classId"`
	SessionID string `json:"sessionId"`
	Hash      string `json:"hash"`
}

// Slice returns the time-slice index containing t.
func Slice(t time.Time) int64 {
	ms := t.UnixMilli()
	w := Window.Milliseconds()
	q := ms / w
	if ms%w != 0 && ms < 0 {
		q--
	}
	return q
}

// SliceStart returns the first instant of slice.
func SliceStart(slice int64) time.Time {
	return time.UnixMilli(slice * Window.Milliseconds())
}

// UntilNextSlice returns how long after t the next slice begins.
func UntilNextSlice(t time.Time) time.Duration {
	return SliceStart(Slice(t) + 1).Sub(t)
}

// ValidIdentifier reports whether id can be used as a digest input.
func ValidIdentifier(id string) bool {
	return id != "" && !strings.Contains(id, Separator)
}

// DeriveKey expands the configured application secret into the HMAC
// key used for credentials, so the raw secret is never used directly.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("qrattend rotating credential v1"))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	return key, nil
}

// Codec computes digests with a process-wide key. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	key []byte
}

// NewCodec returns a Codec keyed with key. The slice is copied.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	return &Codec{key: bytes.Clone(key)}, nil
}

// Derive returns the lowercase hex digest for (classID, sessionID, slice).
func (c *Codec) Derive(classID, sessionID string, slice int64) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(classID))
	mac.Write([]byte(Separator))
	mac.Write([]byte(sessionID))
	mac.Write([]byte(Separator))
	mac.Write([]byte(strconv.FormatInt(slice, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns the credential valid for the slice containing now.
func (c *Codec) Issue(classID, sessionID string, now time.Time) Credential {
	return Credential{
		ClassID:   classID,
		SessionID: sessionID,
		Hash:      c.Derive(classID, sessionID, Slice(now)),
	}
}

// Encode serializes cred into its wire form.
func Encode(cred Credential) (string, error) {
	out, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode parses a wire payload produced by Encode. Missing, null,
// extra, or non-string fields, trailing data, and digests that are not
// 64 lowercase hex characters all yield ErrMalformedCredential.
func Decode(payload string) (Credential, error) {
	var raw struct {
		ClassID   *string `json:"classId"`
		SessionID *string `json:"sessionId"`
		Hash      *string `json:"hash"`
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Credential{}, fmt.Errorf("%w: trailing data", ErrMalformedCredential)
	}

	switch {
	case raw.ClassID == nil || *raw.ClassID == "":
		return Credential{}, fmt.Errorf("%w: classId missing", ErrMalformedCredential)
	case raw.SessionID == nil || *raw.SessionID == "":
		return Credential{}, fmt.Errorf("%w: sessionId missing", ErrMalformedCredential)
	case raw.Hash == nil || *raw.Hash == "":
		return Credential{}, fmt.Errorf("%w: hash missing", ErrMalformedCredential)
	case !IsDigest(*raw.Hash):
		return Credential{}, fmt.Errorf("%w: hash is not a %d-character hex digest", ErrMalformedCredential, DigestLen)
	}
	return Credential{ClassID: *raw.ClassID, SessionID: *raw.SessionID, Hash: *raw.Hash}, nil
}

// IsDigest reports whether s has the shape of a digest from Derive.
func IsDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
