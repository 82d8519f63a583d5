package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHexString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"lowercase hex", "deadbeef0123456789", true},
		{"uppercase hex", "DEADBEEF", true},
		{"mixed case", "DeAdBeEf", true},
		{"empty", "", true},
		{"non-hex letter", "deadbeeg", false},
		{"whitespace", "dead beef", false},
		{"unicode", "déadbeef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHexString(tt.in))
		})
	}
}
