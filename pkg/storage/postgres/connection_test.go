package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReplicaURLs(t *testing.T) {
	t.Run("empty string returns nil", func(t *testing.T) {
		assert.Nil(t, ParseReplicaURLs(""))
	})

	t.Run("single URL", func(t *testing.T) {
		urls := ParseReplicaURLs("postgres://replica1/identity")
		assert.Equal(t, []string{"postgres://replica1/identity"}, urls)
	})

	t.Run("multiple URLs with whitespace", func(t *testing.T) {
		urls := ParseReplicaURLs("postgres://replica1/identity, postgres://replica2/identity ,")
		assert.Equal(t, []string{
			"postgres://replica1/identity",
			"postgres://replica2/identity",
		}, urls)
	})
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, isNotFoundError(nil))
	assert.True(t, isNotFoundError(errString("operation error S3: HeadObject, https response error StatusCode: 404, NotFound")))
	assert.True(t, isNotFoundError(errString("NoSuchKey: the specified key does not exist")))
	assert.False(t, isNotFoundError(errString("AccessDenied")))
}

type errString string

func (e errString) Error() string { return string(e) }
