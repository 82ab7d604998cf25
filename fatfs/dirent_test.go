package fatfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildShortDirent encodes a raw 32-byte short directory entry for "README  TXT".
func buildShortDirent() []byte {
	raw := make([]byte, 32)
	copy(raw[0:8], "README  ")
	copy(raw[8:11], "TXT")
	raw[11] = 0x20 // archive attribute, not a directory
	return raw
}

// TestFATShortNameMatch covers spec section 8 scenario 5.
func TestFATShortNameMatch(t *testing.T) {
	dirBytes := buildShortDirent()

	_, err := lookupInDirBytes(dirBytes, "readme.txt")
	require.NoError(t, err)

	_, err = lookupInDirBytes(dirBytes, "README")
	require.Error(t, err)
}

func TestNormalize8Dot3(t *testing.T) {
	name, ok := normalize8Dot3("readme.txt")
	require.True(t, ok)
	require.Equal(t, [11]byte{'R', 'E', 'A', 'D', 'M', 'E', ' ', ' ', 'T', 'X', 'T'}, name)

	_, ok = normalize8Dot3("toolongbasename.txt")
	require.False(t, ok)
}
