package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	cases := []Message{
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{Index: 7},
		&BitfieldMessage{Data: []byte{0xff, 0x00}},
		RequestMessage{Index: 1, Begin: 16384, Length: 16384},
		&PieceMessage{Index: 1, Begin: 0, Block: []byte("hello block")},
	}
	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, m))
		got, err := ReadMessage(&buf, true, DefaultMaxFrameLength)
		require.NoError(t, err)
		require.Equal(t, m.ID(), got.ID())
	}
}

func TestReadKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	msg, err := ReadMessage(&buf, false, DefaultMaxFrameLength)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	header[0] = 0x7f // absurdly large length, big-endian
	buf.Write(header[:])
	_, err := ReadMessage(&buf, false, DefaultMaxFrameLength)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadRejectsOversizeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := RequestMessage{Index: 0, Begin: 0, Length: MaxBlockLength + 1}
	require.NoError(t, WriteMessage(&buf, req))
	_, err := ReadMessage(&buf, false, DefaultMaxFrameLength)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadRejectsBitfieldAfterFirstMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &BitfieldMessage{Data: []byte{0xff}}))
	_, err := ReadMessage(&buf, false, DefaultMaxFrameLength)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadRejectsMalformedEmptyMessage(t *testing.T) {
	var buf bytes.Buffer
	var header [5]byte
	header[3] = 2 // length=2: id byte plus one stray payload byte
	header[4] = byte(Choke)
	buf.Write(header[:])
	buf.WriteByte(0x00)
	_, err := ReadMessage(&buf, false, DefaultMaxFrameLength)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, infoHash, peerID))
	require.Equal(t, HandshakeLen, buf.Len())

	gotHash, gotID, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, infoHash, gotHash)
	require.Equal(t, peerID, gotID)
}

func TestHandshakeRejectsBadProtocolString(t *testing.T) {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], "not the bt protocol")
	_, _, err := ReadHandshake(bytes.NewReader(buf))
	require.ErrorIs(t, err, ErrHandshake)
}
