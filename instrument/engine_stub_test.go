//go:build !frida

package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObtainWithoutEngine(t *testing.T) {
	_, err := Obtain()
	assert.ErrorIs(t, err, ErrNoEngine)
}
