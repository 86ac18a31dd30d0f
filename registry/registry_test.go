package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookup(t *testing.T) {
	fn := func() int { return 42 }
	require.NoError(t, Register("test.Answer", fn))

	got, err := Lookup("test.Answer")
	require.NoError(t, err)
	assert.Equal(t, 42, got.(func() int)())
}

func TestRegisterDuplicate(t *testing.T) {
	require.NoError(t, Register("test.Dup", func() {}))
	err := Register("test.Dup", func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterNil(t *testing.T) {
	assert.Error(t, Register("test.Nil", nil))
}

func TestLookupMissing(t *testing.T) {
	_, err := Lookup("test.NoSuch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no function registered")
}

func TestMustRegisterPanics(t *testing.T) {
	MustRegister("test.Must", func() {})
	assert.Panics(t, func() {
		MustRegister("test.Must", func() {})
	})
}

func TestNames(t *testing.T) {
	MustRegister("test.names.B", func() {})
	MustRegister("test.names.A", func() {})
	names := Names()
	idxA, idxB := -1, -1
	for i, n := range names {
		switch n {
		case "test.names.A":
			idxA = i
		case "test.names.B":
			idxB = i
		}
	}
	require.NotEqual(t, -1, idxA)
	require.NotEqual(t, -1, idxB)
	assert.Less(t, idxA, idxB)
}
