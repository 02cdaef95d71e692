package credential

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := DeriveKey("test-secret")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	codec, err := NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestSlice(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want int64
	}{
		{"epoch", time.UnixMilli(0), 0},
		{"just before boundary", time.UnixMilli(9_999), 0},
		{"boundary", time.UnixMilli(10_000), 1},
		{"slice 1000", time.UnixMilli(10_000_000 + 4_321), 1000},
		{"before epoch floors down", time.UnixMilli(-1), -1},
		{"negative boundary", time.UnixMilli(-10_000), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slice(tt.at); got != tt.want {
				t.Errorf("Slice(%v) = %d, want %d", tt.at.UnixMilli(), got, tt.want)
			}
		})
	}
}

func TestUntilNextSlice(t *testing.T) {
	at := time.UnixMilli(10_000_000 + 3_000)
	if got := UntilNextSlice(at); got != 7*time.Second {
		t.Errorf("UntilNextSlice = %v, want 7s", got)
	}
	if got := UntilNextSlice(SliceStart(1000)); got != Window {
		t.Errorf("UntilNextSlice at boundary = %v, want %v", got, Window)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	codec := testCodec(t)
	first := codec.Derive("C1", "S1", 1000)
	second := codec.Derive("C1", "S1", 1000)
	if first != second {
		t.Fatalf("Derive not deterministic: %s != %s", first, second)
	}
	if !IsDigest(first) {
		t.Fatalf("Derive returned %q, want %d lowercase hex characters", first, DigestLen)
	}
}

func TestDeriveSensitiveToEveryInput(t *testing.T) {
	codec := testCodec(t)
	base := codec.Derive("C1", "S1", 1000)
	variants := map[string]string{
		"class":   codec.Derive("C2", "S1", 1000),
		"session": codec.Derive("C1", "S2", 1000),
		"slice":   codec.Derive("C1", "S1", 1001),
	}
	for name, digest := range variants {
		if digest == base {
			t.Errorf("changing %s did not change the digest", name)
		}
	}

	otherKey, err := NewCodec([]byte("another key"))
	if err != nil {
		t.Fatal(err)
	}
	if otherKey.Derive("C1", "S1", 1000) == base {
		t.Error("a different key produced the same digest")
	}
}

func TestDeriveKey(t *testing.T) {
	if _, err := DeriveKey(""); !errors.Is(err, ErrMissingKey) {
		t.Errorf("DeriveKey(\"\") error = %v, want ErrMissingKey", err)
	}
	a, _ := DeriveKey("alpha")
	b, _ := DeriveKey("alpha")
	c, _ := DeriveKey("beta")
	if string(a) != string(b) {
		t.Error("DeriveKey not deterministic")
	}
	if string(a) == string(c) {
		t.Error("different secrets derived the same key")
	}
	if _, err := NewCodec(nil); !errors.Is(err, ErrMissingKey) {
		t.Errorf("NewCodec(nil) error = %v, want ErrMissingKey", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	codec := testCodec(t)
	cred := codec.Issue("C1", "S1", time.UnixMilli(10_000_000))

	payload, err := Encode(cred)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(payload, `"classId":"C1"`) || !strings.Contains(payload, `"hash":"`+cred.Hash+`"`) {
		t.Errorf("unexpected wire form %s", payload)
	}

	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != cred {
		t.Errorf("Decode = %+v, want %+v", got, cred)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not json", `classId=C1`},
		{"array", `["C1","S1"]`},
		{"missing hash", `{"classId":"C1","sessionId":"S1"}`},
		{"missing class", `{"sessionId":"S1","hash":"` + hash + `"}`},
		{"null session", `{"classId":"C1","sessionId":null,"hash":"` + hash + `"}`},
		{"extra field", `{"classId":"C1","sessionId":"S1","hash":"` + hash + `","v":1}`},
		{"numeric class", `{"classId":7,"sessionId":"S1","hash":"` + hash + `"}`},
		{"short hash", `{"classId":"C1","sessionId":"S1","hash":"abcd"}`},
		{"uppercase hash", `{"classId":"C1","sessionId":"S1","hash":"` + strings.ToUpper(hash) + `"}`},
		{"trailing data", `{"classId":"C1","sessionId":"S1","hash":"` + hash + `"} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.payload); !errors.Is(err, ErrMalformedCredential) {
				t.Errorf("Decode(%s) error = %v, want ErrMalformedCredential", tt.payload, err)
			}
		})
	}
}
