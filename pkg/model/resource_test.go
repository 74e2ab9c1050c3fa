package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Capacity(t *testing.T) {
	assert.Equal(t, 3, Capacity{Active: 1, Max: 4}.Free())
	assert.False(t, Capacity{Active: 1, Max: 4}.Busy())

	full := Capacity{Active: 4, Max: 4}
	assert.True(t, full.Busy())
	assert.Equal(t, 0, full.Free())
	assert.Equal(t, 0, Capacity{Active: 5, Max: 4}.Free())
}
