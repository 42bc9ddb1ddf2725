package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCase1HeaderOnly(t *testing.T) {
	cmd, _, ok := Parse([]byte{0x00, 0xA4, 0x04, 0x00})
	require.True(t, ok)
	assert.Equal(t, byte(0xA4), cmd.INS)
	assert.Nil(t, cmd.Data)
	assert.False(t, cmd.HasLe)
}

func TestParseCase2HeaderPlusLe(t *testing.T) {
	cmd, _, ok := Parse([]byte{0x00, 0xCA, 0x00, 0x66, 0x10})
	require.True(t, ok)
	assert.True(t, cmd.HasLe)
	assert.Equal(t, 0x10, cmd.Le)
}

func TestParseCase2LeZeroMeans256(t *testing.T) {
	cmd, _, ok := Parse([]byte{0x00, 0xCA, 0x00, 0x66, 0x00})
	require.True(t, ok)
	assert.Equal(t, 256, cmd.Le)
}

func TestParseCase3HeaderLcData(t *testing.T) {
	cmd, _, ok := Parse([]byte{0x00, 0xE6, 0x02, 0x00, 0x03, 0x01, 0x02, 0x03})
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, cmd.Data)
	assert.False(t, cmd.HasLe)
}

func TestParseCase4HeaderLcDataLe(t *testing.T) {
	cmd, _, ok := Parse([]byte{0x00, 0xE6, 0x02, 0x00, 0x02, 0xAA, 0xBB, 0x05})
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, cmd.Data)
	assert.True(t, cmd.HasLe)
	assert.Equal(t, 5, cmd.Le)
}

func TestParseRejectsShortAPDU(t *testing.T) {
	_, sw, ok := Parse([]byte{0x00, 0xA4, 0x04})
	assert.False(t, ok)
	assert.Equal(t, SWWrongP1P2, sw)
}

func TestParseRejectsInconsistentLc(t *testing.T) {
	_, sw, ok := Parse([]byte{0x00, 0xE6, 0x02, 0x00, 0x05, 0x01, 0x02})
	assert.False(t, ok)
	assert.Equal(t, SWWrongLength, sw)
}

func TestDispatchUnregisteredINSReturns6D00(t *testing.T) {
	d := NewDispatcher(nil)
	resp := d.Dispatch([]byte{0x00, 0xFF, 0x00, 0x00}, Context{SessionID: "s1"})
	assert.Equal(t, SWInsNotSupported, resp.SW)
}

func TestDispatchMalformedAPDUNeverInvokesHandler(t *testing.T) {
	d := NewDispatcher(nil)
	invoked := false
	d.Register(0xA4, func(Command, Context) Response {
		invoked = true
		return Response{SW: SWSuccess}
	})

	resp := d.Dispatch([]byte{0x00, 0xA4, 0x04}, Context{})
	assert.Equal(t, SWWrongP1P2, resp.SW)
	assert.False(t, invoked)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(0xA4, func(Command, Context) Response {
		panic("handler exploded")
	})

	resp := d.Dispatch([]byte{0x00, 0xA4, 0x04, 0x00, 0x01, 0x02}, Context{SessionID: "s1"})
	assert.Equal(t, SWUnknownError, resp.SW)
}

func TestDefaultHandlersCoverGPSurface(t *testing.T) {
	d := NewDispatcher(nil)
	RegisterDefaults(d)

	selectAPDU := []byte{0x00, INSSelect, 0x04, 0x00, 0x08, 0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}
	resp := d.Dispatch(selectAPDU, Context{SessionID: "s1"})
	assert.Equal(t, SWSuccess, resp.SW)
	assert.NotEmpty(t, resp.Data)

	getStatus := []byte{0x80, INSGetStatus, 0x80, 0x00}
	resp = d.Dispatch(getStatus, Context{SessionID: "s1"})
	assert.Equal(t, SWSuccess, resp.SW)

	getData := []byte{0x80, INSGetData, 0x00, 0x66}
	resp = d.Dispatch(getData, Context{SessionID: "s1"})
	assert.Equal(t, SWSuccess, resp.SW)

	getDataUnknown := []byte{0x80, INSGetData, 0xFF, 0xFF}
	resp = d.Dispatch(getDataUnknown, Context{SessionID: "s1"})
	assert.Equal(t, SWFileNotFound, resp.SW)
}

func TestResponseBytesAppendsStatusWord(t *testing.T) {
	r := Response{Data: []byte{0x01, 0x02}, SW: SWSuccess}
	assert.Equal(t, []byte{0x01, 0x02, 0x90, 0x00}, r.Bytes())
}
