package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Vectors computed against the reference implementation's murmur2.
func TestMurmur2ReferenceVectors(t *testing.T) {
	vectors := []struct {
		key  string
		hash int32
	}{
		{"", 275646681},
		{"0", 971027396},
		{"hello", 2132663229},
		{"k-0", 43242055},
		{"k-1", 1029908798},
		{"k-42", -1861102314},
		{"key", -1079937367},
		{"kafka", -798503068},
		{"a", -1563381124},
		{"ab", 316155434},
		{"abc", 479470107},
		{"abcd", -1323649548},
		{"abcde", 461995741},
		{"abcdef", 1870650108},
		{"abcdefg", -346467175},
		{"lorem ipsum", 115127530},
		{"0123456789", -631703640},
		{"\x00\x01\x02", 51419311},
		{"test-key", -1341026247},
		{"partition", 1683102466},
		{"murmur", 322215093},
		{"producer", -1994418164},
	}
	for _, v := range vectors {
		require.Equal(t, v.hash, Murmur2([]byte(v.key)), "key %q", v.key)
	}
}

func TestMurmurPartition(t *testing.T) {
	require.Equal(t, int32(2), MurmurPartition([]byte("0"), 3))
	require.Equal(t, int32(9), MurmurPartition([]byte("hello"), 10))

	// Negative hashes are masked positive, never mirrored.
	require.Equal(t, int32(286381334%7), MurmurPartition([]byte("k-42"), 7))

	for _, p := range []int32{1, 2, 3, 5, 100} {
		got := MurmurPartition([]byte("any-key"), p)
		require.GreaterOrEqual(t, got, int32(0))
		require.Less(t, got, p)
	}
}
