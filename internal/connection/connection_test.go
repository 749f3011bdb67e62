package connection

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	r := NewRegistry()
	c := r.Add(server)
	assert.NotEmpty(t, c.ConnID)
	assert.True(t, r.Alive(c.ConnID))
	assert.Equal(t, []string{c.ConnID}, r.Connections())

	go func() { _ = r.Send(c.ConnID, []byte{0xd0, 0x00}) }()
	buf := make([]byte, 2)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xd0, 0x00}, buf)

	before, ok := r.LastActivity(c.ConnID)
	require.True(t, ok)
	r.now = func() time.Time { return before.Add(time.Minute) }
	r.Touch(c.ConnID)
	after, _ := r.LastActivity(c.ConnID)
	assert.Equal(t, time.Minute, after.Sub(before))

	require.NoError(t, r.Close(c.ConnID))
	require.NoError(t, r.Close(c.ConnID))
	assert.False(t, r.Alive(c.ConnID))
	assert.Empty(t, r.Connections())
	assert.Error(t, r.Send(c.ConnID, []byte{0x00}))

	r.Remove(c.ConnID)
	_, ok = r.LastActivity(c.ConnID)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Send(c.ConnID, nil), ErrConnectionNotFound)
	assert.ErrorIs(t, r.Close(c.ConnID), ErrConnectionNotFound)
}

func TestIsNetClosedError(t *testing.T) {
	assert.True(t, IsNetClosedError(net.ErrClosed))
	assert.False(t, IsNetClosedError(io.EOF))
}

func TestSendClosesStalledConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	r := NewRegistry(WithWriteTimeout(50 * time.Millisecond))
	c := r.Add(server)

	done := make(chan error, 1)
	go func() { done <- r.Send(c.ConnID, []byte{0x30, 0x03, 0x00, 0x01, 'a'}) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, os.IsTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a client that never reads")
	}
	assert.False(t, r.Alive(c.ConnID))

	// the peer sees the socket closed
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}
