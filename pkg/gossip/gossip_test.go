package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlive(t *testing.T) {
	members := []Member{
		{Name: "n3", Status: "alive"},
		{Name: "n1", Status: "alive"},
		{Name: "n2", Status: "left"},
		{Name: "n4", Status: "failed"},
	}
	alive := Alive(members)
	assert.Equal(t, []string{"n1", "n3"}, []string{alive[0].Name, alive[1].Name})
	assert.Len(t, alive, 2)
}

func TestCheckSize(t *testing.T) {
	assert.NoError(t, CheckSize("abc", make([]byte, 7), 10))
	assert.ErrorIs(t, CheckSize("abc", make([]byte, 8), 10), ErrPayloadTooLarge)
	assert.NoError(t, CheckSize("abc", make([]byte, 4096), 0))
}
