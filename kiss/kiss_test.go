package kiss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")
		if len(payload) == 0 {
			return
		}
		encoded := Encode(payload)

		var d Decoder
		var got []byte
		var closed bool
		for _, b := range encoded {
			if out, ok := d.Push(b); ok {
				got = out
				closed = true
			}
		}
		assert.True(t, closed)
		assert.Equal(t, payload, got)
	})
}

func TestDecoderHandlesBackToBackFrames(t *testing.T) {
	var d Decoder
	var frames [][]byte

	stream := append(Encode([]byte("hello")), Encode([]byte("world"))...)
	for _, b := range stream {
		if out, ok := d.Push(b); ok {
			frames = append(frames, out)
		}
	}
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, frames)
}

func TestDecoderIgnoresEmptyFrames(t *testing.T) {
	var d Decoder
	var got [][]byte
	for _, b := range []byte{fend, fend, fend} {
		if out, ok := d.Push(b); ok {
			got = append(got, out)
		}
	}
	assert.Empty(t, got)
}
