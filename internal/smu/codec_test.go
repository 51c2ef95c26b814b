package smu_test

import (
	"testing"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/smu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBias(t *testing.T) {
	cmd, err := smu.EncodeBias(1.0, smu.SourceRange110V, 100)
	require.NoError(t, err)
	assert.Equal(t, "B1,3,100", cmd)

	cmd, err = smu.EncodeBias(-0.25, smu.SourceRangeAuto, 0)
	require.NoError(t, err)
	assert.Equal(t, "B-0.25,0,0", cmd)

	cmd, err = smu.EncodeBias(5, smu.SourceRange11V, 65000)
	require.NoError(t, err)
	assert.Equal(t, "B5,2,65000", cmd)
}

func TestEncodeBiasInvalidDelay(t *testing.T) {
	for _, delay := range []int{-1, 65001, 100000} {
		_, err := smu.EncodeBias(1.0, smu.SourceRange110V, delay)
		require.Error(t, err, "delay %d", delay)
		assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
	}
}

func TestEncodeBiasInvalidRange(t *testing.T) {
	_, err := smu.EncodeBias(1.0, smu.SourceRange("220V"), 100)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
	// The error names the legal ranges so the caller can correct the input.
	assert.Contains(t, err.Error(), "1.1V")
	assert.Contains(t, err.Error(), "110V")
}

func TestEncodeCompliance(t *testing.T) {
	cmd, err := smu.EncodeCompliance("1E-3", smu.Range1mA)
	require.NoError(t, err)
	assert.Equal(t, "L1E-3,7", cmd)

	cmd, err = smu.EncodeCompliance("5E-8", smu.Range100nA)
	require.NoError(t, err)
	assert.Equal(t, "L5E-8,3", cmd)
}

func TestEncodeComplianceLevelAboveCeiling(t *testing.T) {
	tests := []struct {
		level string
		rng   smu.MeasureRange
	}{
		{"2E-9", smu.Range1nA},
		{"1E-7", smu.Range10nA},
		{"2E-1", smu.Range1mA},
		{"1.5E-1", smu.Range100mA},
		{"2E-1", smu.RangeAuto},
	}
	for _, tt := range tests {
		_, err := smu.EncodeCompliance(tt.level, tt.rng)
		require.Error(t, err, "%s in %s", tt.level, tt.rng)
		assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
	}
}

func TestEncodeComplianceRejectsNonPositive(t *testing.T) {
	for _, level := range []string{"0", "-1E-9", "bogus"} {
		_, err := smu.EncodeCompliance(level, smu.Range1nA)
		require.Error(t, err, "level %s", level)
	}
}

func TestEncodeComplianceUnknownRange(t *testing.T) {
	_, err := smu.EncodeCompliance("1E-9", smu.MeasureRange("1A"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "100mA")
}

func TestMeasureRangeCeiling(t *testing.T) {
	ceiling, ok := smu.Range1mA.Ceiling()
	require.True(t, ok)
	assert.InEpsilon(t, 1e-3, ceiling, 1e-12)

	_, ok = smu.MeasureRange("1A").Ceiling()
	assert.False(t, ok)
}

func TestEncodeFilter(t *testing.T) {
	tests := map[int]string{1: "P0", 2: "P1", 4: "P2", 8: "P3", 16: "P4", 32: "P5"}
	for n, want := range tests {
		cmd, err := smu.EncodeFilter(n)
		require.NoError(t, err, "filter %d", n)
		assert.Equal(t, want, cmd)
	}

	for _, n := range []int{0, 3, 5, 64, -1} {
		_, err := smu.EncodeFilter(n)
		require.Error(t, err, "filter %d", n)
		assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
	}
}

func TestEncodeStatusQuery(t *testing.T) {
	tests := map[smu.StatusKind]string{
		smu.StatusModelFirmware:    "U0",
		smu.StatusMachine:          "U3",
		smu.StatusMeasureParams:    "U4",
		smu.StatusFirstSweepPoint:  "U10",
		smu.StatusSweepMeasureSize: "U11",
	}
	for kind, want := range tests {
		token, err := smu.EncodeStatusQuery(kind)
		require.NoError(t, err)
		assert.Equal(t, want, token)
	}

	_, err := smu.EncodeStatusQuery(smu.StatusKind("self destruct"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine status")
}

func TestDecodeSourceFunction(t *testing.T) {
	fn, err := smu.DecodeSourceFunction("IMPL,01F0,0O0P5S3W1Z0")
	require.NoError(t, err)
	assert.Equal(t, smu.SourceVMeasureIDC, fn)

	fn, err = smu.DecodeSourceFunction("IMPL,01F1,0O0P0S0W0Z0")
	require.NoError(t, err)
	assert.Equal(t, smu.SourceIMeasureVDC, fn)

	_, err = smu.DecodeSourceFunction("garbage")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrProtocolDecode))
}

func TestDecodeReading(t *testing.T) {
	value, err := smu.DecodeReading("1.23E-5\r\n")
	require.NoError(t, err)
	assert.InEpsilon(t, 0.0000123, value, 1e-9)

	_, err = smu.DecodeReading("NDCV+1.0")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrProtocolDecode))
}

func TestEncodeTrigger(t *testing.T) {
	cmd, err := smu.EncodeTrigger(smu.TriggerContinuous)
	require.NoError(t, err)
	assert.Equal(t, "T0,0,0,0", cmd)

	cmd, err = smu.EncodeTrigger(smu.TriggerSourceDelayMeasure)
	require.NoError(t, err)
	assert.Equal(t, "T1,1,0,0", cmd)

	cmd, err = smu.EncodeTrigger(smu.TriggerFreeRun)
	require.NoError(t, err)
	assert.Equal(t, "T1,4,4,0", cmd)

	_, err = smu.EncodeTrigger(smu.TriggerMode("edge"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidArgument))
}

func TestDecodeTrigger(t *testing.T) {
	token, err := smu.DecodeTrigger("MSTG01,0,0K0M008,0N0R1T4,1,0,0V1Y0")
	require.NoError(t, err)
	assert.Equal(t, "T4,1,0,0", token)

	_, err = smu.DecodeTrigger("nope")
	require.Error(t, err)
}

func TestEncodeDisplay(t *testing.T) {
	cmd, err := smu.EncodeDisplay("CONNECTION OK")
	require.NoError(t, err)
	assert.Equal(t, "D1,CONNECTION OK", cmd)

	cmd, err = smu.EncodeDisplay("")
	require.NoError(t, err)
	assert.Equal(t, "D0", cmd)

	_, err = smu.EncodeDisplay("THIS MESSAGE IS TOO LONG")
	require.Error(t, err)

	_, err = smu.EncodeDisplay("BEEP\x07")
	require.Error(t, err)
}

func TestEncodeOutputFormat(t *testing.T) {
	cmd, err := smu.EncodeOutputFormat(smu.FormatMeasureValue)
	require.NoError(t, err)
	assert.Equal(t, "G4,2,0", cmd)

	cmd, err = smu.EncodeOutputFormat(smu.FormatAllValues)
	require.NoError(t, err)
	assert.Equal(t, "G15,2,0", cmd)

	_, err = smu.EncodeOutputFormat(smu.OutputFormat("everything"))
	require.Error(t, err)
}

func TestEncodeOperateAndArm(t *testing.T) {
	assert.Equal(t, "N1", smu.EncodeOperate(true))
	assert.Equal(t, "N0", smu.EncodeOperate(false))
	assert.Equal(t, "R1", smu.EncodeArm(true))
	assert.Equal(t, "R0", smu.EncodeArm(false))
}

func TestEncodeIntegration(t *testing.T) {
	cmd, err := smu.EncodeIntegration(smu.Integration20ms)
	require.NoError(t, err)
	assert.Equal(t, "S3", cmd)

	_, err = smu.EncodeIntegration(smu.IntegrationTime("1h"))
	require.Error(t, err)
}
