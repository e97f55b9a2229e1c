package descrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKnownVector checks the classic published crypt(3) test vector.
func TestKnownVector(t *testing.T) {
	t.Parallel()

	got := Crypt([]byte("foob"), []byte("ar"))
	assert.Equal(t, "arlEKn0OzVJn.", string(got))
}

func TestResultShape(t *testing.T) {
	t.Parallel()

	got := Crypt([]byte("secret"), []byte("xy"))
	require.Len(t, got, 13)
	assert.Equal(t, byte('x'), got[0])
	assert.Equal(t, byte('y'), got[1])
	for _, c := range got {
		assert.Contains(t, alphabet, string(c))
	}
}

func TestDeterministic(t *testing.T) {
	t.Parallel()

	first := Crypt([]byte("secret"), []byte("ab"))
	second := Crypt([]byte("secret"), []byte("ab"))
	assert.Equal(t, first, second)
}

func TestSaltChangesDigest(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t,
		Crypt([]byte("secret"), []byte("ab")),
		Crypt([]byte("secret"), []byte("cd")),
	)
}

func TestPasswordTruncatesAtEight(t *testing.T) {
	t.Parallel()

	// Only the first eight characters participate in the key schedule.
	assert.Equal(t,
		Crypt([]byte("12345678"), []byte("ab")),
		Crypt([]byte("12345678ignored"), []byte("ab")),
	)
}
