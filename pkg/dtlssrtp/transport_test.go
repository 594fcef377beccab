package dtlssrtp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyFingerprintNoneDeclaredPasses(t *testing.T) {
	tr := &Transport{cfg: Config{}}
	require.NoError(t, tr.verifyFingerprint(nil, nil))
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	tr := &Transport{cfg: Config{RemoteFingerprints: []string{"aa:bb:cc"}}}
	err := tr.verifyFingerprint([][]byte{[]byte("not-matching-cert-bytes")}, nil)
	require.Error(t, err)
}

func TestHexDigits(t *testing.T) {
	require.Equal(t, "00ff", hexDigits([]byte{0x00, 0xff}))
}
