package scram

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_DigestLengths(t *testing.T) {
	cases := []struct {
		mechanism Mechanism
		wantLen   int
	}{
		{SHA256, 32},
		{SHA512, 64},
	}

	for _, tc := range cases {
		t.Run(string(tc.mechanism), func(t *testing.T) {
			cred, err := Generate("hunter2-password", tc.mechanism, MinIterations)
			require.NoError(t, err)
			assert.Len(t, cred.StoredKey, tc.wantLen)
			assert.Len(t, cred.ServerKey, tc.wantLen)
			assert.Len(t, cred.Salt, saltLen)
			assert.Equal(t, MinIterations, cred.Iterations)
		})
	}
}

func TestGenerate_DistinctSaltsPerCall(t *testing.T) {
	a, err := Generate("same-password", SHA256, MinIterations)
	require.NoError(t, err)
	b, err := Generate("same-password", SHA256, MinIterations)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a.Salt, b.Salt), "two invocations must draw distinct salts")
	assert.False(t, bytes.Equal(a.StoredKey, b.StoredKey), "distinct salts must yield distinct StoredKey")
}

func TestGenerate_RejectsEmptyPassword(t *testing.T) {
	_, err := Generate("", SHA256, MinIterations)
	require.Error(t, err)
}

func TestGenerate_RejectsLowIterations(t *testing.T) {
	_, err := Generate("password", SHA256, MinIterations-1)
	require.Error(t, err)
}

func TestGenerate_RejectsUnknownMechanism(t *testing.T) {
	_, err := Generate("password", Mechanism("SCRAM-SHA-1"), MinIterations)
	require.Error(t, err)
}

func TestCredential_StringDoesNotLeakKeyMaterial(t *testing.T) {
	cred, err := Generate("super-secret-password", SHA256, MinIterations)
	require.NoError(t, err)

	s := cred.String()
	assert.NotContains(t, s, cred.SaltB64())
	assert.NotContains(t, s, cred.StoredKeyB64())
	assert.NotContains(t, s, cred.ServerKeyB64())
	assert.Contains(t, s, string(SHA256))
}

func TestDigestLen(t *testing.T) {
	n, err := DigestLen(SHA256)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	n, err = DigestLen(SHA512)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
}

func TestRandomPassword(t *testing.T) {
	a, err := RandomPassword()
	require.NoError(t, err)
	b, err := RandomPassword()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
