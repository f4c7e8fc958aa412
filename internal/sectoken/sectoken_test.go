package sectoken

import (
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent answers token requests on a unix socket. Behaviour is driven
// by the respond callback; nil closes the connection without replying.
type fakeAgent struct {
	listener net.Listener
	accepted atomic.Int32
	respond  func(id uint32, payload string) []byte
}

func startFakeAgent(t *testing.T, respond func(id uint32, payload string) []byte) (*fakeAgent, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	a := &fakeAgent{listener: listener, respond: respond}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			a.accepted.Add(1)
			go a.serve(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return a, path
}

func (a *fakeAgent) serve(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		id, payload, err := deconstructMessage(buf[:n])
		if err != nil {
			return
		}
		reply := a.respond(id, payload)
		if reply == nil {
			return
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// replyFrame builds a well-formed reply with the low id bit set.
func replyFrame(id uint32, payload string) []byte {
	idBytes := putVarint(id<<1 | 1)
	frame := putVarint(uint32(len(payload) + len(idBytes)))
	frame = append(frame, idBytes...)
	frame = append(frame, payload...)
	return frame
}

func TestRequestToken(t *testing.T) {
	token := strings.Repeat("tok", 30)
	_, path := startFakeAgent(t, func(id uint32, payload string) []byte {
		if id != 10 || payload != "https://example.test/app" {
			return nil
		}
		return replyFrame(10, token)
	})

	agent := New(path, 0, nil)
	require.NoError(t, agent.Open())
	defer agent.Close()

	got, err := agent.RequestToken("https://example.test/app")
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestRequestTokenNotOpen(t *testing.T) {
	agent := New("/nonexistent.sock", 0, nil)
	_, err := agent.RequestToken("url")
	assert.Error(t, err)
}

func TestReplyTimeout(t *testing.T) {
	_, path := startFakeAgent(t, func(uint32, string) []byte {
		time.Sleep(200 * time.Millisecond)
		return replyFrame(10, strings.Repeat("x", 64))
	})

	agent := New(path, 50*time.Millisecond, nil)
	require.NoError(t, agent.Open())
	defer agent.Close()

	start := time.Now()
	_, err := agent.RequestToken("url")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFramingMismatchReopens(t *testing.T) {
	calls := 0
	a, path := startFakeAgent(t, func(uint32, string) []byte {
		calls++
		if calls == 1 {
			// Length field larger than the frame: a framing mismatch.
			return []byte{0x7f, 0x01, 0x02}
		}
		return replyFrame(10, strings.Repeat("y", 64))
	})

	agent := New(path, 0, nil)
	require.NoError(t, agent.Open())
	defer agent.Close()

	_, err := agent.RequestToken("url")
	assert.Error(t, err)

	// The socket was closed and reopened; the next request succeeds.
	require.Eventually(t, func() bool { return a.accepted.Load() >= 2 },
		time.Second, 10*time.Millisecond)
	got, err := agent.RequestToken("url")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("y", 64), got)
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1 << 20} {
		buf := putVarint(v)
		got, n, err := getVarint(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
	}
}

func TestConstructMessageLayout(t *testing.T) {
	// id 10 shifts to 20 (one byte); length counts id byte + payload.
	frame := constructMessage(10, "abc")
	assert.Equal(t, []byte{4, 20, 'a', 'b', 'c'}, frame)

	id, payload, err := deconstructMessage(replyFrame(10, "abc"))
	require.NoError(t, err)
	assert.Equal(t, uint32(10), id)
	assert.Equal(t, "abc", payload)
}
