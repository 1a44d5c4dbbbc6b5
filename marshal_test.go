package sshwrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bacalhau-project/sshwrap/engine"
)

func TestCheckString(t *testing.T) {
	assert.Nil(t, checkString("plain"))
	assert.Nil(t, checkString(""))

	err := checkString("with\x00nul")
	require.NotNil(t, err)
	assert.Equal(t, engine.CodeInval, err.Code())
}

func TestGrowRetryDoublesUntilFit(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	calls := 0
	out, rc := growRetry(128, func(buf []byte) (int, int) {
		calls++
		if len(payload) > len(buf) {
			return 0, engine.CodeBufferTooSmall
		}
		copy(buf, payload)
		return len(payload), 0
	})
	assert.Equal(t, 0, rc)
	assert.Equal(t, payload, out)
	// 128 -> 256 -> 512 -> 1024: three growth rounds plus the success call.
	assert.Equal(t, 4, calls)
}

func TestGrowRetryHonorsNeededSize(t *testing.T) {
	needed := 700
	calls := 0
	out, rc := growRetry(128, func(buf []byte) (int, int) {
		calls++
		if needed > len(buf) {
			return needed, engine.CodeBufferTooSmall
		}
		return needed, 0
	})
	assert.Equal(t, 0, rc)
	assert.Len(t, out, needed)
	// needed+1 beats doubling, so one growth round suffices.
	assert.Equal(t, 2, calls)
}

func TestGrowRetryPropagatesErrors(t *testing.T) {
	out, rc := growRetry(16, func(buf []byte) (int, int) {
		return 0, engine.CodeSftpProtocol
	})
	assert.Nil(t, out)
	assert.Equal(t, engine.CodeSftpProtocol, rc)
}

func TestMarshalPath(t *testing.T) {
	p, err := marshalPath("/some/remote/path")
	require.Nil(t, err)
	assert.Equal(t, "/some/remote/path", p)

	_, err = marshalPath("/bad\x00path")
	require.NotNil(t, err)
	assert.Equal(t, engine.CodeInval, err.Code())
}
