package types

import (
	"errors"
	"testing"
)

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0xABCD", "0xabcd"},
		{"abcd", "0xabcd"},
		{" 0x12 ", "0x12"},
	}
	for _, tt := range tests {
		if got := NormalizeHex(tt.in); got != tt.want {
			t.Errorf("NormalizeHex(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateHash(t *testing.T) {
	good := "0x91b171bb158e2d3848fa23a9f1c25182fb8e20313b2c1eb49219da7a70ce90c3"
	if err := ValidateHash(good); err != nil {
		t.Errorf("ValidateHash(%q) = %v", good, err)
	}
	for _, bad := range []string{"0x1234", good[:len(good)-1] + "z", ""} {
		if err := ValidateHash(bad); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("ValidateHash(%q) = %v, want ErrInvalidHash", bad, err)
		}
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"100", 100, false},
		{"0x64", 100, false},
		{"0X64", 100, false},
		{"", 0, true},
		{"-1", 0, true},
		{"0xzz", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseNumber(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidNumber) {
				t.Errorf("ParseNumber(%q) error = %v, want ErrInvalidNumber", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseNumber(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestBlockSnapshot(t *testing.T) {
	b := &Block{Number: 100, Hash: "0xABC"}
	snap := b.Snapshot(RuntimeVersion{SpecVersion: 9430})

	if snap.Hash != "0xabc" || snap.Number != 100 || snap.Runtime.SpecVersion != 9430 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.String() != "#100 (0xabc)" {
		t.Errorf("String() = %q", snap.String())
	}
}
