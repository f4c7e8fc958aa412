package ipcbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodMatchRule(t *testing.T) {
	method := NewMethod("test.ipc.svc", "/test", "test.ipc.if", "Echo")
	assert.Equal(t,
		"type='method_call',interface='test.ipc.if',member='Echo',path='/test',destination='test.ipc.svc'",
		method.MatchRule())
}

func TestSignalMatchRule(t *testing.T) {
	signal := NewSignal("/obj", "test.ipc.if", "Tick")
	assert.Equal(t,
		"type='signal',interface='test.ipc.if',member='Tick',path='/obj'",
		signal.MatchRule())
}

func TestMethodValidity(t *testing.T) {
	assert.True(t, NewMethod("s", "/o", "i", "n").Valid())
	assert.False(t, NewMethod("", "/o", "i", "n").Valid(), "method needs a service")
	assert.False(t, NewMethod("s", "", "i", "n").Valid())
	assert.False(t, NewMethod("s", "/o", "", "n").Valid())
	assert.False(t, NewMethod("s", "/o", "i", "").Valid())
}

func TestSignalValidity(t *testing.T) {
	assert.True(t, NewSignal("/o", "i", "n").Valid())
	assert.False(t, NewSignal("", "i", "n").Valid())
	assert.False(t, NewSignal("/o", "", "n").Valid())
	assert.False(t, NewSignal("/o", "i", "").Valid())
}
