package contentstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reliefchain/engine/internal/contentstore"
)

func TestAddress(t *testing.T) {
	t.Run("should be deterministic over content", func(t *testing.T) {
		a := contentstore.Address([]byte("ration card scan"))
		b := contentstore.Address([]byte("ration card scan"))
		assert.Equal(t, a, b)
		assert.True(t, contentstore.ValidAddress(a))
	})

	t.Run("should differ for different content", func(t *testing.T) {
		a := contentstore.Address([]byte("photo of damage"))
		b := contentstore.Address([]byte("photo of damage "))
		assert.NotEqual(t, a, b)
	})

	t.Run("should match the known sha256 of empty input", func(t *testing.T) {
		assert.Equal(t,
			"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			contentstore.Address(nil))
	})
}

func TestValidAddress(t *testing.T) {
	valid := contentstore.Address([]byte("x"))
	assert.True(t, contentstore.ValidAddress(valid))

	for _, s := range []string{
		"",
		"abc",
		valid + "00",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
	} {
		assert.False(t, contentstore.ValidAddress(s), s)
	}
}
