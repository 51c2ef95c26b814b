package smu_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/smu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus records every bus interaction in order: sent commands verbatim,
// queries prefixed with "?" and serial polls as "stb".
type fakeBus struct {
	log       []string
	timeouts  []time.Duration
	responses map[string]string
	queryErr  map[string]error
	status    byte
	statusErr error
	closed    int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		responses: map[string]string{
			"U4": "IMPL,01F0,0O0P5S3W1Z0",
			"H0": "1.23E-5",
		},
		queryErr: map[string]error{},
	}
}

func (b *fakeBus) Send(cmd string) error {
	b.log = append(b.log, cmd)
	return nil
}

func (b *fakeBus) Query(cmd string) (string, error) {
	return b.query(cmd)
}

func (b *fakeBus) QueryTimeout(cmd string, timeout time.Duration) (string, error) {
	b.timeouts = append(b.timeouts, timeout)
	return b.query(cmd)
}

func (b *fakeBus) query(cmd string) (string, error) {
	b.log = append(b.log, "?"+cmd)
	if err := b.queryErr[cmd]; err != nil {
		return "", err
	}
	resp, ok := b.responses[cmd]
	if !ok {
		return "", fmt.Errorf("unexpected query %q", cmd)
	}
	return resp, nil
}

func (b *fakeBus) StatusByte() (byte, error) {
	b.log = append(b.log, "stb")
	return b.status, b.statusErr
}

func (b *fakeBus) Close() error {
	b.closed++
	return nil
}

func (b *fakeBus) count(cmd string) int {
	n := 0
	for _, c := range b.log {
		if c == cmd {
			n++
		}
	}
	return n
}

func (b *fakeBus) since(marker string) []string {
	for i := len(b.log) - 1; i >= 0; i-- {
		if b.log[i] == marker {
			return b.log[i+1:]
		}
	}
	return nil
}

func newTestSession(t *testing.T) (*smu.Session, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	session, err := smu.New(bus, "1E-3", smu.Range1mA, smu.WithDisplayDwell(0))
	require.NoError(t, err)
	return session, bus
}

func TestNewRunsBaselineSequence(t *testing.T) {
	session, bus := newTestSession(t)

	want := []string{
		"D1,CONNECTION OK",
		"D0",
		"J0",
		"F0,0",
		"O0",
		"?U4", // compliance write checks the source function first
		"T0,0,0,0",
		"L1E-3,7",
		"T1,1,0,0",
		"S3",
		"P5",
	}
	assert.Equal(t, want, bus.log)
	assert.Equal(t, smu.StateReady, session.State())
	assert.Equal(t, smu.ComplianceSetting{Level: "1E-3", Range: smu.Range1mA}, session.Compliance())
}

func TestNewValidationFailureReleasesBus(t *testing.T) {
	bus := newFakeBus()
	_, err := smu.New(bus, "2E-1", smu.Range1mA, smu.WithDisplayDwell(0))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
	assert.Equal(t, 1, bus.closed, "partially opened connection must be released")
	assert.Zero(t, bus.count("L2E-1,7"), "invalid compliance must never reach the bus")
}

func TestSetBias(t *testing.T) {
	session, bus := newTestSession(t)

	err := session.SetBias(1.0, smu.SourceRange110V, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, smu.StateBiased, session.State())
	assert.Equal(t, smu.BiasSetting{
		Level: 1.0,
		Range: smu.SourceRange110V,
		Delay: 100 * time.Millisecond,
	}, session.Bias())

	// The bias write is bracketed by trigger mode changes.
	tail := bus.since("?U4")
	assert.Equal(t, []string{"T0,0,0,0", "B1,3,100", "T1,1,0,0"}, tail)
}

func TestSetBiasRequiresVIDC(t *testing.T) {
	session, bus := newTestSession(t)
	bus.responses["U4"] = "IMPL,01F1,0O0P0S0W0Z0"

	err := session.SetBias(1.0, smu.SourceRange110V, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupportedMode))
	assert.Zero(t, bus.count("B1,3,100"))
	assert.Equal(t, smu.BiasSetting{}, session.Bias(), "bias setting must stay unchanged")
}

func TestSetComplianceRequiresVIDC(t *testing.T) {
	session, bus := newTestSession(t)
	before := session.Compliance()
	bus.responses["U4"] = "IMPL,01F0,1O0P0S0W0Z0"

	err := session.SetCompliance("1E-9", smu.Range1nA)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupportedMode))
	assert.Equal(t, before, session.Compliance())
}

func TestSetComplianceRejectedBeforeWrite(t *testing.T) {
	session, bus := newTestSession(t)
	before := session.Compliance()

	err := session.SetCompliance("2E-1", smu.Range1mA)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
	assert.Equal(t, before, session.Compliance())
	assert.Zero(t, bus.count("L2E-1,7"))
}

func TestMeasure(t *testing.T) {
	session, bus := newTestSession(t)

	current, err := session.Measure(context.Background(), 0.1, time.Second)
	require.NoError(t, err)
	assert.InEpsilon(t, 0.0000123, current, 1e-9)

	// The timed read uses delay+1s, scoped to that single read.
	require.Len(t, bus.timeouts, 1)
	assert.Equal(t, 2*time.Second, bus.timeouts[0])

	// Output off, trigger disarm and the compliance check follow the read.
	assert.Equal(t, []string{"N0", "R0", "stb"}, bus.since("?H0"))
}

func TestMeasureReadTimeoutStillRestoresSafeState(t *testing.T) {
	session, bus := newTestSession(t)
	bus.queryErr["H0"] = errors.New().New(errors.ErrReadTimeout)

	_, err := session.Measure(context.Background(), 0.1, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrReadTimeout))
	assert.Equal(t, []string{"N0", "R0"}, bus.since("?H0"),
		"output off and trigger disarm must run despite the timeout")

	// The session stays usable after a recoverable read timeout.
	delete(bus.queryErr, "H0")
	current, err := session.Measure(context.Background(), 0.1, time.Second)
	require.NoError(t, err)
	assert.InEpsilon(t, 0.0000123, current, 1e-9)
}

func TestPulse(t *testing.T) {
	session, bus := newTestSession(t)

	err := session.Pulse(context.Background(), 1.0, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 1, bus.count("N1"))
	assert.Equal(t, 1, bus.count("N0"))
	assert.Equal(t, []string{"N0", "stb"}, bus.since("N1"),
		"output must be switched off before the compliance check")
}

func TestPulseComplianceTripped(t *testing.T) {
	session, bus := newTestSession(t)
	// Other bits may coexist with the compliance bit; it is a mask test.
	bus.status = 0x90

	err := session.Pulse(context.Background(), 1.0, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrComplianceTripped))
	assert.Equal(t, []string{"N0", "stb"}, bus.since("N1"),
		"output off must precede the raised violation")
}

func TestPulseCanceledStillTurnsOutputOff(t *testing.T) {
	session, bus := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := session.Pulse(ctx, 1.0, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCanceled))
	assert.Equal(t, 1, bus.count("N0"))
}

func TestCheckCompliance(t *testing.T) {
	session, bus := newTestSession(t)

	bus.status = 0x40
	assert.NoError(t, session.CheckCompliance())

	bus.status = 0x80
	err := session.CheckCompliance()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrComplianceTripped))
}

func TestSetOperateOffIsIdempotent(t *testing.T) {
	session, bus := newTestSession(t)

	require.NoError(t, session.SetOperate(true))
	require.NoError(t, session.SetOperate(false))
	require.NoError(t, session.SetOperate(false))

	assert.Equal(t, 1, bus.count("N1"))
	assert.Equal(t, 1, bus.count("N0"), "second off must not touch the bus")
}

func TestSampling(t *testing.T) {
	session, bus := newTestSession(t)

	require.NoError(t, session.BeginSampling(0.01))
	assert.Equal(t, 1, bus.count("N1"))

	current, err := session.ReadCurrent(context.Background())
	require.NoError(t, err)
	assert.InEpsilon(t, 0.0000123, current, 1e-9)

	require.NoError(t, session.EndSampling())
	assert.Equal(t, []string{"N0", "R0", "stb"}, bus.since("?H0"))
}

func TestCloseRestoresBaselineExactlyOnce(t *testing.T) {
	session, bus := newTestSession(t)

	require.NoError(t, session.Close())
	assert.Equal(t, smu.StateClosed, session.State())
	assert.Equal(t, 1, bus.closed)
	assert.Equal(t, 2, bus.count("J0"), "factory reset at init and at teardown")
	assert.Equal(t, 2, bus.count("S3"))
	assert.Equal(t, 2, bus.count("P5"))

	// Teardown runs exactly once.
	logLen := len(bus.log)
	require.NoError(t, session.Close())
	assert.Equal(t, 1, bus.closed)
	assert.Equal(t, logLen, len(bus.log))
}

func TestCloseAfterComplianceViolation(t *testing.T) {
	session, bus := newTestSession(t)
	bus.status = 0x80

	err := session.Pulse(context.Background(), 1.0, time.Millisecond)
	require.Error(t, err)

	require.NoError(t, session.Close())
	assert.Equal(t, []string{"J0", "S3", "P5"}, bus.since("stb"))
	assert.Equal(t, 1, bus.closed)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	session, _ := newTestSession(t)
	require.NoError(t, session.Close())

	err := session.SetBias(1.0, smu.SourceRange110V, 0)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSessionClosed))
}
