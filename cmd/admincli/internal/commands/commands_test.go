package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoerceValue(t *testing.T) {
	require.Equal(t, true, coerceValue("true"))
	require.Equal(t, false, coerceValue("false"))
	require.Equal(t, int64(12345), coerceValue("12345"))
	require.Equal(t, int64(-1), coerceValue("-1"))
	require.Equal(t, "casual", coerceValue("casual"))
	require.Equal(t, "12x", coerceValue("12x"))
}
