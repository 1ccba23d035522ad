package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	d, err := parseDuration([]byte("12.5\n"))
	require.NoError(t, err)
	assert.Equal(t, 12.5, d)

	for _, out := range []string{"NaN", "nan", "inf", "-Inf", "+Inf", "0", "-3", "N/A", ""} {
		_, err := parseDuration([]byte(out + "\n"))
		assert.Error(t, err, "%q", out)
	}
}
