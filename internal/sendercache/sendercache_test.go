package sendercache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndLookup(t *testing.T) {
	c := New(nil, nil)

	_, ok := c.UserID(":1.42")
	assert.False(t, ok)

	c.Add(":1.42", 1001)
	uid, ok := c.UserID(":1.42")
	assert.True(t, ok)
	assert.Equal(t, uint32(1001), uid)
}

func TestNameOwnerChangedEvicts(t *testing.T) {
	var stoppedUid uint32
	c := New(func(uid uint32) { stoppedUid = uid }, nil)

	c.Add(":1.42", 1001)
	c.NameOwnerChanged(":1.42", ":1.42", "")

	_, ok := c.UserID(":1.42")
	assert.False(t, ok)
	assert.Equal(t, uint32(1001), stoppedUid)
}

func TestNameOwnerChangedIgnoresHandOver(t *testing.T) {
	stopped := false
	c := New(func(uint32) { stopped = true }, nil)

	c.Add(":1.42", 1001)
	// A name changing hands (non-empty new owner) is not an eviction.
	c.NameOwnerChanged(":1.42", ":1.42", ":1.43")
	_, ok := c.UserID(":1.42")
	assert.True(t, ok)
	assert.False(t, stopped)

	// Neither is a transition for some other name.
	c.NameOwnerChanged(":1.99", ":1.99", "")
	_, ok = c.UserID(":1.42")
	assert.True(t, ok)
	assert.False(t, stopped)
}

func TestRemoveUnknownSenderIsNoop(t *testing.T) {
	stopped := false
	c := New(func(uint32) { stopped = true }, nil)
	c.Remove(":1.7")
	assert.False(t, stopped)
}
