package smu

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/nanolab/smuctl/internal/errors"
)

// Instrument commands without arguments.
const (
	cmdFactoryReset = "J0"
	cmdReadTrigger  = "H0"
	cmdDisplayClear = "D0"
)

// SourceFunction selects what the instrument sources and what it measures.
type SourceFunction string

const (
	SourceVMeasureIDC  SourceFunction = "V-I-dc"
	SourceVMeasureISwp SourceFunction = "V-I-sweep"
	SourceIMeasureVDC  SourceFunction = "I-V-dc"
	SourceIMeasureVSwp SourceFunction = "I-V-sweep"
)

var sourceFunctions = []struct {
	mode  SourceFunction
	token string
}{
	{SourceVMeasureIDC, "F0,0"},
	{SourceVMeasureISwp, "F0,1"},
	{SourceIMeasureVDC, "F1,0"},
	{SourceIMeasureVSwp, "F1,1"},
}

var sourceFunctionToken = regexp.MustCompile(`F\d,\d`)

// EncodeSourceFunction returns the command selecting the given source function.
func EncodeSourceFunction(mode SourceFunction) (string, error) {
	for _, sf := range sourceFunctions {
		if sf.mode == mode {
			return sf.token, nil
		}
	}
	return "", invalidArgument("source function", string(mode), sourceFunctionNames())
}

// DecodeSourceFunction extracts the source function from a measurement
// parameters status response.
func DecodeSourceFunction(status string) (SourceFunction, error) {
	token := sourceFunctionToken.FindString(status)
	if token != "" {
		for _, sf := range sourceFunctions {
			if sf.token == token {
				return sf.mode, nil
			}
		}
	}
	return "", errors.New().New(errors.ErrProtocolDecode).
		WithMessage("no source function token in status response").
		WithData(status)
}

func sourceFunctionNames() []string {
	names := make([]string, 0, len(sourceFunctions))
	for _, sf := range sourceFunctions {
		names = append(names, string(sf.mode))
	}
	return names
}

// SourceRange selects the bias voltage range.
type SourceRange string

const (
	SourceRangeAuto SourceRange = "auto"
	SourceRange1V1  SourceRange = "1.1V"
	SourceRange11V  SourceRange = "11V"
	SourceRange110V SourceRange = "110V"
)

var sourceRanges = []struct {
	rng  SourceRange
	code string
}{
	{SourceRangeAuto, "0"},
	{SourceRange1V1, "1"},
	{SourceRange11V, "2"},
	{SourceRange110V, "3"},
}

func sourceRangeNames() []string {
	names := make([]string, 0, len(sourceRanges))
	for _, sr := range sourceRanges {
		names = append(names, string(sr.rng))
	}
	return names
}

// Bias delay limits for the source-delay-measure cycle, in milliseconds.
const (
	minBiasDelayMS = 0
	maxBiasDelayMS = 65000
)

// EncodeBias returns the command setting the bias level, source range and
// source-delay-measure delay. Validation happens before anything touches
// the bus, so an invalid bias never causes a partial write.
func EncodeBias(level float64, rng SourceRange, delayMS int) (string, error) {
	var code string
	for _, sr := range sourceRanges {
		if sr.rng == rng {
			code = sr.code
			break
		}
	}
	if code == "" {
		return "", invalidArgument("source range", string(rng), sourceRangeNames())
	}

	if delayMS < minBiasDelayMS || delayMS > maxBiasDelayMS {
		return "", invalidArgument("bias delay", strconv.Itoa(delayMS),
			[]string{fmt.Sprintf("%d-%dms", minBiasDelayMS, maxBiasDelayMS)})
	}

	return fmt.Sprintf("B%g,%s,%d", level, code, delayMS), nil
}

// MeasureRange selects the current measurement range. Each range carries a
// numeric ceiling that bounds the compliance level.
type MeasureRange string

const (
	RangeAuto  MeasureRange = "Auto"
	Range1nA   MeasureRange = "1nA"
	Range10nA  MeasureRange = "10nA"
	Range100nA MeasureRange = "100nA"
	Range1uA   MeasureRange = "1µA"
	Range10uA  MeasureRange = "10µA"
	Range100uA MeasureRange = "100µA"
	Range1mA   MeasureRange = "1mA"
	Range10mA  MeasureRange = "10mA"
	Range100mA MeasureRange = "100mA"
)

var measureRanges = []struct {
	rng     MeasureRange
	code    string
	ceiling float64
}{
	{RangeAuto, "0", 1e-1},
	{Range1nA, "1", 1e-9},
	{Range10nA, "2", 1e-8},
	{Range100nA, "3", 1e-7},
	{Range1uA, "4", 1e-6},
	{Range10uA, "5", 1e-5},
	{Range100uA, "6", 1e-4},
	{Range1mA, "7", 1e-3},
	{Range10mA, "8", 1e-2},
	{Range100mA, "9", 1e-1},
}

// Ceiling returns the numeric ceiling of the range in amps.
func (r MeasureRange) Ceiling() (float64, bool) {
	for _, mr := range measureRanges {
		if mr.rng == r {
			return mr.ceiling, true
		}
	}
	return 0, false
}

func measureRangeNames() []string {
	names := make([]string, 0, len(measureRanges))
	for _, mr := range measureRanges {
		names = append(names, string(mr.rng))
	}
	return names
}

// EncodeCompliance returns the command setting the compliance level and
// measurement range. The level keeps its textual scientific notation on the
// wire; it must parse to a positive value no greater than the range ceiling.
func EncodeCompliance(level string, rng MeasureRange) (string, error) {
	var code string
	var ceiling float64
	found := false
	for _, mr := range measureRanges {
		if mr.rng == rng {
			code, ceiling, found = mr.code, mr.ceiling, true
			break
		}
	}
	if !found {
		return "", invalidArgument("measurement range", string(rng), measureRangeNames())
	}

	value, err := strconv.ParseFloat(level, 64)
	if err != nil {
		return "", errors.New().Wrap(errors.ErrInvalidArgument, err).
			WithMessage("Compliance not changed: level is not a number").
			WithData(level)
	}
	if value <= 0 || value > ceiling {
		return "", invalidArgument("compliance level", level,
			[]string{fmt.Sprintf("0 < level <= %g (range %s)", ceiling, rng)})
	}

	return fmt.Sprintf("L%s,%s", level, code), nil
}

// Filter averaging counts accepted by the instrument.
var filterCounts = []int{1, 2, 4, 8, 16, 32}

// MaxFilterCount is the deepest averaging filter, used as the baseline.
const MaxFilterCount = 32

// EncodeFilter returns the command selecting how many measurements are
// averaged per reading. n must be a power of two up to 32; it is encoded
// as log2(n).
func EncodeFilter(n int) (string, error) {
	for _, c := range filterCounts {
		if c == n {
			return fmt.Sprintf("P%d", int(math.Log2(float64(n)))), nil
		}
	}
	legal := make([]string, len(filterCounts))
	for i, c := range filterCounts {
		legal[i] = strconv.Itoa(c)
	}
	return "", invalidArgument("filter count", strconv.Itoa(n), legal)
}

// IntegrationTime selects the A/D integration period.
type IntegrationTime string

const (
	Integration416us IntegrationTime = "416µs"
	Integration4ms   IntegrationTime = "4ms"
	Integration16ms  IntegrationTime = "16.67ms"
	Integration20ms  IntegrationTime = "20ms"
)

var integrationTimes = []struct {
	t    IntegrationTime
	code string
}{
	{Integration416us, "S0"},
	{Integration4ms, "S1"},
	{Integration16ms, "S2"},
	{Integration20ms, "S3"},
}

// EncodeIntegration returns the command selecting the integration time.
func EncodeIntegration(t IntegrationTime) (string, error) {
	for _, it := range integrationTimes {
		if it.t == t {
			return it.code, nil
		}
	}
	names := make([]string, len(integrationTimes))
	for i, it := range integrationTimes {
		names[i] = string(it.t)
	}
	return "", invalidArgument("integration time", string(t), names)
}

// SenseMode selects local (2-wire) or remote (4-wire) sensing.
type SenseMode string

const (
	SenseLocal  SenseMode = "local"
	SenseRemote SenseMode = "remote"
)

// EncodeSense returns the command selecting the sense mode.
func EncodeSense(mode SenseMode) (string, error) {
	switch mode {
	case SenseLocal:
		return "O0", nil
	case SenseRemote:
		return "O1", nil
	}
	return "", invalidArgument("sense mode", string(mode),
		[]string{string(SenseLocal), string(SenseRemote)})
}

// OutputFormat selects which items trigger queries return.
type OutputFormat string

const (
	FormatNoItems          OutputFormat = "no items"
	FormatSourceValue      OutputFormat = "source value"
	FormatDelayValue       OutputFormat = "delay value"
	FormatMeasureValue     OutputFormat = "measure value"
	FormatSourceAndMeasure OutputFormat = "source and measure value"
	FormatTimeValue        OutputFormat = "time value"
	FormatAllValues        OutputFormat = "all values"
)

var outputFormats = []struct {
	f    OutputFormat
	code string
}{
	{FormatNoItems, "0"},
	{FormatSourceValue, "1"},
	{FormatDelayValue, "2"},
	{FormatMeasureValue, "4"},
	{FormatSourceAndMeasure, "5"},
	{FormatTimeValue, "8"},
	{FormatAllValues, "15"},
}

// EncodeOutputFormat returns the command selecting the trigger output items.
func EncodeOutputFormat(f OutputFormat) (string, error) {
	for _, of := range outputFormats {
		if of.f == f {
			return fmt.Sprintf("G%s,2,0", of.code), nil
		}
	}
	names := make([]string, len(outputFormats))
	for i, of := range outputFormats {
		names[i] = string(of.f)
	}
	return "", invalidArgument("output data format", string(f), names)
}

// StatusKind selects one of the instrument status categories.
type StatusKind string

const (
	StatusModelFirmware    StatusKind = "model number and firmware"
	StatusErrors           StatusKind = "error status"
	StatusStoredASCII      StatusKind = "stored ASCII string"
	StatusMachine          StatusKind = "machine status"
	StatusMeasureParams    StatusKind = "measurement parameters"
	StatusCompliance       StatusKind = "compliance value"
	StatusSuppression      StatusKind = "suppression value"
	StatusCalibration      StatusKind = "calibration status"
	StatusSweepSize        StatusKind = "sweep size"
	StatusWarnings         StatusKind = "warning status"
	StatusFirstSweepPoint  StatusKind = "first sweep point in compliance"
	StatusSweepMeasureSize StatusKind = "sweep measure size"
)

var statusQueries = []struct {
	kind  StatusKind
	token string
}{
	{StatusModelFirmware, "U0"},
	{StatusErrors, "U1"},
	{StatusStoredASCII, "U2"},
	{StatusMachine, "U3"},
	{StatusMeasureParams, "U4"},
	{StatusCompliance, "U5"},
	{StatusSuppression, "U6"},
	{StatusCalibration, "U7"},
	{StatusSweepSize, "U8"},
	{StatusWarnings, "U9"},
	{StatusFirstSweepPoint, "U10"},
	{StatusSweepMeasureSize, "U11"},
}

// EncodeStatusQuery returns the query token for the given status category.
func EncodeStatusQuery(kind StatusKind) (string, error) {
	for _, sq := range statusQueries {
		if sq.kind == kind {
			return sq.token, nil
		}
	}
	names := make([]string, len(statusQueries))
	for i, sq := range statusQueries {
		names[i] = string(sq.kind)
	}
	return "", invalidArgument("status kind", string(kind), names)
}

// Display message limit imposed by the front panel.
const maxDisplayChars = 18

// EncodeDisplay returns the command showing a message on the instrument
// display. An empty message returns the display to normal operation.
func EncodeDisplay(msg string) (string, error) {
	if msg == "" {
		return cmdDisplayClear, nil
	}
	if len(msg) > maxDisplayChars {
		return "", invalidArgument("display message", msg,
			[]string{fmt.Sprintf("at most %d ASCII characters", maxDisplayChars)})
	}
	for _, r := range msg {
		if r < 0x20 || r > 0x7e {
			return "", invalidArgument("display message", msg,
				[]string{"printable ASCII characters only"})
		}
	}
	return "D1," + msg, nil
}

// EncodeOperate returns the command switching the output on or off.
func EncodeOperate(on bool) string {
	if on {
		return "N1"
	}
	return "N0"
}

// EncodeArm returns the command arming or disarming the trigger.
func EncodeArm(on bool) string {
	if on {
		return "R1"
	}
	return "R0"
}

// TriggerMode selects how the instrument reacts to triggers.
type TriggerMode string

const (
	// TriggerContinuous sources continuously, used while applying a bias.
	TriggerContinuous TriggerMode = "continuous"
	// TriggerSourceDelayMeasure runs one source-delay-measure cycle per
	// trigger, used for measurements.
	TriggerSourceDelayMeasure TriggerMode = "source-delay-measure"
	// TriggerFreeRun cycles source-delay-measure continuously after a
	// single trigger.
	TriggerFreeRun TriggerMode = "free-run"
)

// EncodeTrigger returns the command selecting the trigger mode.
func EncodeTrigger(mode TriggerMode) (string, error) {
	switch mode {
	case TriggerContinuous:
		return "T0,0,0,0", nil
	case TriggerSourceDelayMeasure:
		return "T1,1,0,0", nil
	case TriggerFreeRun:
		return "T1,4,4,0", nil
	}
	return "", invalidArgument("trigger mode", string(mode),
		[]string{string(TriggerContinuous), string(TriggerSourceDelayMeasure), string(TriggerFreeRun)})
}

var triggerToken = regexp.MustCompile(`T\d,\d,\d,\d`)

// DecodeTrigger extracts the raw trigger token from a machine status
// response.
func DecodeTrigger(status string) (string, error) {
	token := triggerToken.FindString(status)
	if token == "" {
		return "", errors.New().New(errors.ErrProtocolDecode).
			WithMessage("no trigger token in status response").
			WithData(status)
	}
	return token, nil
}

// DecodeReading parses a current reading returned by a trigger query.
func DecodeReading(s string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrProtocolDecode, err).
			WithMessage("unparsable measurement reading").
			WithData(s)
	}
	return value, nil
}

func invalidArgument(what, got string, legal []string) errors.Error {
	return errors.New().New(errors.ErrInvalidArgument).
		WithMessage(fmt.Sprintf("invalid %s %q, possible values: %s",
			what, got, strings.Join(legal, ", ")))
}
