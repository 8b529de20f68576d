package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	valid := map[string]string{
		"+5491123456701":        "+5491123456701",
		"5491123456701":         "+5491123456701",
		"+54 9 11 2345-6701":    "+5491123456701",
		"0054 9 (11) 2345.6701": "+5491123456701",
		"+1 (201) 555-0123":     "+12015550123",
		"6281234567890":         "+6281234567890",
	}
	for in, want := range valid {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "+", "12345", "+0123456789", "+54911abc0001", "5491123456701+", "+1234567890123456", "+15550100", "+10000000000", "+999123456789"} {
		_, err := NormalizePhone(in)
		assert.ErrorIs(t, err, ErrInvalidPhone, in)
	}
}
