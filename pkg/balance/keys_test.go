package balance

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateOpID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"tx-1", true},
		{"8f14e45f-ceea-467f-a0e6-7e8c6b6f4b1a", true},
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{"brace{1}", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		err := ValidateOpID(tt.id)
		if tt.valid && err != nil {
			t.Errorf("Expected %q to be valid, got %v", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidOperation) {
			t.Errorf("Expected %q to be rejected, got %v", tt.id, err)
		}
	}
}

func TestKeyPattern(t *testing.T) {
	kp := NewKeyPattern("")
	if got := kp.Balance(42); got != "balance:{42}" {
		t.Errorf("Expected balance:{42}, got %s", got)
	}
	if got := kp.Hold(42, "tx-7"); got != "balance:{42}:hold:tx-7" {
		t.Errorf("Expected hold key, got %s", got)
	}
	if got := kp.Applied(42, "tx-7"); got != "balance:{42}:applied:tx-7" {
		t.Errorf("Expected applied key, got %s", got)
	}

	kp = NewKeyPattern("wallet:")
	if got := kp.Balance(-1); got != "wallet:{-1}" {
		t.Errorf("Expected wallet:{-1}, got %s", got)
	}
}
