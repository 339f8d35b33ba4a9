package lsn

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	cases := map[string]LSN{
		"0/0":        {0, 0},
		"0/A":        {0, 0xA},
		"16/B374D848": {0x16, 0xB374D848},
		"ff/ff":      {0xFF, 0xFF},
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "0", "0/", "/0", "g/0", "0/g", "1/2/3", "-1/0"} {
		_, err := Parse(in)
		require.Error(t, err, in)
		var invalid *ErrInvalid
		require.ErrorAs(t, err, &invalid)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, in := range []string{"0/0", "16/B374D848", "FF/1"} {
		v, err := Parse(in)
		require.NoError(t, err)
		back, err := Parse(v.String())
		require.NoError(t, err)
		require.Equal(t, v, back)
	}
}

// TestTotalOrder checks property 1 from spec.md §8: compare is antisymmetric
// and transitive, and the zero sentinel is strictly less than everything else.
func TestTotalOrder(t *testing.T) {
	a := MustParse("0/1")
	b := MustParse("0/2")
	c := MustParse("1/0")

	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(b, a))
	require.Equal(t, 0, Compare(a, a))

	// transitive: a < b < c implies a < c
	require.True(t, Less(a, b))
	require.True(t, Less(b, c))
	require.True(t, Less(a, c))

	for _, x := range []LSN{a, b, c, MustParse("FFFFFFFF/FFFFFFFF")} {
		if x != Zero {
			require.True(t, Less(Zero, x), x.String())
		}
	}
}

func TestSliceSort(t *testing.T) {
	s := Slice{MustParse("2/0"), MustParse("0/0"), MustParse("1/FF"), MustParse("1/0")}
	sort.Sort(s)
	want := []string{"0/0", "1/0", "1/FF", "2/0"}
	for i, w := range want {
		require.Equal(t, w, s[i].String())
	}
}

func TestMax(t *testing.T) {
	require.Equal(t, MustParse("2/0"), Max(MustParse("1/FF"), MustParse("2/0")))
	require.Equal(t, Zero, Max(Zero, Zero))
}
