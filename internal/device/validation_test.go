package device

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDevice(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i <= maxNestingDepth+1; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}

	tests := []struct {
		name    string
		device  Device
		wantErr error
	}{
		{"valid", Device{ID: "dev-1", Name: "A", Status: StatusOnline}, nil},
		{"id with slash", Device{ID: "a/b", Name: "A", Status: StatusOnline}, ErrInvalidID},
		{"id with wildcard", Device{ID: "a+", Name: "A", Status: StatusOnline}, ErrInvalidID},
		{"empty id", Device{Name: "A", Status: StatusOnline}, ErrInvalidID},
		{"blank name", Device{ID: "d", Name: "   ", Status: StatusOnline}, ErrInvalidName},
		{"long name", Device{ID: "d", Name: strings.Repeat("x", maxNameLength+1), Status: StatusOnline}, ErrInvalidName},
		{"unknown status", Device{ID: "d", Name: "A", Status: "asleep"}, ErrInvalidStatus},
		{"long string value", Device{ID: "d", Name: "A", Status: StatusOnline,
			Data: map[string]any{"v": strings.Repeat("x", maxStringValueLen+1)}}, ErrInvalidData},
		{"too deep", Device{ID: "d", Name: "A", Status: StatusOnline, Data: deep}, ErrInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDevice(&tt.device)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDevice() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	a, b := GenerateKey(), GenerateKey()
	if a == b || strings.Contains(a, "-") || len(a) != 32 {
		t.Errorf("GenerateKey() = %q, %q", a, b)
	}
}

func TestPublicHidesKey(t *testing.T) {
	d := &Device{ID: "d", Key: "secret", Data: map[string]any{"a": 1}}
	p := d.Public()
	if p.Key != "" || d.Key != "secret" {
		t.Errorf("Public() key = %q, original = %q", p.Key, d.Key)
	}
}
