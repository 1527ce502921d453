package testhelper

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
	upperAlpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits     = "0123456789"
)

func randFrom(r io.Reader, charSet string, n int) (string, error) {
	ret := make([]byte, n)
	limit := big.NewInt(int64(len(charSet)))

	for i := range ret {
		num, err := rand.Int(r, limit)
		if err != nil {
			return "", err
		}

		ret[i] = charSet[num.Int64()]
	}

	return string(ret), nil
}

// MustRandString returns n random lowercase letters and digits. It panics if
// crypto/rand fails.
func MustRandString(n int) string {
	s, err := randFrom(rand.Reader, lowerAlnum, n)
	if err != nil {
		panic(err)
	}

	return s
}

func eventID(r io.Reader) (string, error) {
	site, err := randFrom(r, upperAlpha, 2)
	if err != nil {
		return "", err
	}

	seq, err := randFrom(r, digits, 6)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-26-%s", site, seq), nil
}

// EventIDs returns n distinct hazard event identifiers shaped like the ones
// issued by the registry, e.g. "ZZ-26-004217".
func EventIDs(tb testing.TB, n int) []string {
	tb.Helper()

	seen := make(map[string]struct{}, n)
	ids := make([]string, 0, n)

	for len(ids) < n {
		id, err := eventID(rand.Reader)
		require.NoError(tb, err)

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids
}
