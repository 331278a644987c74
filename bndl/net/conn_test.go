package net

import (
	"bytes"
	"encoding/gob"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pingMsg struct{ N int }

func init() { gob.Register(pingMsg{}) }

func dialPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptc := make(chan *Conn, 1)
	go ln.Serve(func(c *Conn) { acceptc <- c })

	peer := &Peer{Name: "server", Addr: ln.Addr()}
	client, err := peer.Conn()
	require.NoError(t, err)

	select {
	case server := <-acceptc:
		return client, server
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
		return nil, nil
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(pingMsg{N: 42}, nil))
	msg, atts, err := server.Recv()
	require.NoError(t, err)
	require.Empty(t, atts)
	require.Equal(t, pingMsg{N: 42}, msg)
}

func TestSendWithAttachment(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	atts := map[string]Attachment{
		"blob": {
			Size: int64(len(payload)),
			Send: func(w io.Writer) error {
				_, err := w.Write(payload)
				return err
			},
		},
	}
	require.NoError(t, client.Send(pingMsg{N: 1}, atts))
	msg, gotAtts, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, pingMsg{N: 1}, msg)
	require.Equal(t, payload, gotAtts["blob"])
}

func TestRecvAfterDisconnectIsNotConnected(t *testing.T) {
	client, server := dialPair(t)
	defer server.Close()

	client.Close()
	_, _, err := server.Recv()
	require.Error(t, err)
}

func TestSendAfterCloseFails(t *testing.T) {
	client, server := dialPair(t)
	defer server.Close()

	client.Close()
	err := client.Send(pingMsg{N: 1}, nil)
	require.Error(t, err)
}
