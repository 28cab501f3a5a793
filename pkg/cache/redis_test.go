package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "auth:rt:abc", Key("rt", "abc"))
	assert.Equal(t, "auth:sess_tokens:s1", Key("sess_tokens", "s1"))
}
