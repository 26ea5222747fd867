package pdiff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarRoundTrip(t *testing.T) {
	archive, err := tarFiles(map[string][]byte{"diff.png": []byte("pixels")})
	require.NoError(t, err)

	got, err := untarFirst(bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))
}

func TestUntarFirst_Empty(t *testing.T) {
	archive, err := tarFiles(nil)
	require.NoError(t, err)

	_, err = untarFirst(bytes.NewReader(archive))
	assert.Error(t, err)
}

func TestCompareArgs(t *testing.T) {
	r := &Runner{command: DefaultCommand}
	WithCommand([]string{"compare", "-metric", "AE"})(r)

	assert.Equal(t, []string{
		"compare", "-metric", "AE",
		"/work/before.png", "/work/after.png", "/work/diff.png",
	}, r.CompareArgs())
}
