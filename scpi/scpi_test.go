package scpi_test

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpewsetup/pewpew/comm"
	"github.com/pewpewsetup/pewpew/scpi"
	"github.com/pewpewsetup/pewpew/scpi/scpitest"
)

func newSession(t *testing.T) (*scpi.Session, *scpitest.Instrument, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	inst := scpitest.New()
	return scpi.NewSession(inst, log), inst, hook
}

func TestSendCommandCleanQueue(t *testing.T) {
	s, inst, _ := newSession(t)
	require.NoError(t, s.SendCommand(":DIGitize"))
	assert.Equal(t, 1, inst.ErrorQueries)
	assert.Equal(t, []string{":DIGitize", scpi.ErrorQuery}, inst.Log)
}

func TestSendCommandDrainsEveryEntryThenStops(t *testing.T) {
	s, inst, hook := newSession(t)
	inst.Errors = []string{`-113,"Undefined header"`, `-222,"Data out of range"`}

	err := s.SendCommand(":BOGus 1")
	require.Error(t, err)

	var all scpi.InstrumentErrors
	require.True(t, errors.As(err, &all))
	require.Len(t, all, 2)
	assert.Equal(t, -113, all[0].Code)
	assert.Equal(t, "Undefined header", all[0].Message)
	assert.Equal(t, ":BOGus 1", all[0].Command)
	assert.Equal(t, -222, all[1].Code)

	// two errors and exactly one sentinel read
	assert.Equal(t, 3, inst.ErrorQueries)
	assert.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestErrorsDoNotLeakIntoNextCommand(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.ErrorsAfter[":BOGus"] = []string{`-113,"Undefined header"`}

	require.Error(t, s.SendCommand(":BOGus"))
	require.NoError(t, s.SendCommand(":RUN"))
}

func TestInstrumentErrorMatchesSingleEntry(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.Errors = []string{`-410,"Query INTERRUPTED"`}
	_, err := s.QueryString("*IDN?")
	var ie scpi.InstrumentError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, -410, ie.Code)
	assert.Equal(t, "*IDN?", ie.Command)
}

func TestDrainIsBounded(t *testing.T) {
	s, inst, _ := newSession(t)
	for i := 0; i < scpi.MaxDrain+5; i++ {
		inst.Errors = append(inst.Errors, `-350,"Queue overflow"`)
	}
	err := s.SendCommand(":RUN")
	assert.True(t, errors.Is(err, scpi.ErrQueueNotDrained))
	assert.Equal(t, scpi.MaxDrain, inst.ErrorQueries)
}

func TestMalformedErrorEntryIsParseError(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.Errors = []string{"garbage"}
	err := s.SendCommand(":RUN")
	var pe *scpi.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestQueryNumber(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.Set(":CHANnel1:SCALe", "1.00000E-01\n")
	f, err := s.QueryNumber(":CHANnel1:SCALe?")
	require.NoError(t, err)
	assert.Equal(t, 0.1, f)
}

func TestQueryNumberNotANumber(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.Set(":ACQuire:MODE", "RTIM")
	_, err := s.QueryNumber(":ACQuire:MODE?")
	var pe *scpi.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "RTIM", pe.Input)
}

func TestQueryBinaryBlock(t *testing.T) {
	s, inst, _ := newSession(t)
	payload := []byte{0, 1, 2, '\n', 0xfe}
	inst.Responses[":WAVeform:DATA?"] = []string{string(comm.EncodeBlock(payload))}
	got, err := s.QueryBinaryBlock(":WAVeform:DATA?")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestQueryBinaryBlockMalformed(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.Responses[":WAVeform:DATA?"] = []string{"1,2,3"}
	_, err := s.QueryBinaryBlock(":WAVeform:DATA?")
	var pe *scpi.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestSendBinaryCommandFramesBlock(t *testing.T) {
	s, inst, _ := newSession(t)
	require.NoError(t, s.SendBinaryCommand(":SYSTem:SETup", []byte("abc")))
	assert.Equal(t, ":SYSTem:SETup #13abc", inst.Commands()[0])
}

func TestRawRoutesQueries(t *testing.T) {
	s, inst, _ := newSession(t)
	inst.Responses["*IDN?"] = []string{"KEYSIGHT,DSO-X 3024T,MY51050155,07.50"}
	resp, err := s.Raw("*IDN?")
	require.NoError(t, err)
	assert.Contains(t, resp, "KEYSIGHT")

	resp, err = s.Raw("*CLS")
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestParseErrorEntry(t *testing.T) {
	code, msg, err := scpi.ParseErrorEntry("+0,\"No error\"\n")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "No error", msg)

	code, msg, err = scpi.ParseErrorEntry(`-222,"Data out of range;value clipped"`)
	require.NoError(t, err)
	assert.Equal(t, -222, code)
	assert.Equal(t, "Data out of range;value clipped", msg)
}
