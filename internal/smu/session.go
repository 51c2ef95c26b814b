package smu

import (
	"context"
	"sync"
	"time"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/logger"
	"go.uber.org/multierr"
)

// State of the instrument session.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateBiased
	StateMeasuring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBiased:
		return "biased"
	case StateMeasuring:
		return "measuring"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ComplianceSetting is the active compliance level and measurement range.
type ComplianceSetting struct {
	Level string
	Range MeasureRange
}

// BiasSetting is the active bias level, source range and cycle delay.
type BiasSetting struct {
	Level float64
	Range SourceRange
	Delay time.Duration
}

const (
	// Compliance-tripped bit in the serial-poll status byte. Tested as a
	// mask, other bits may be set alongside it.
	complianceBit = 0x80

	defaultDisplayDwell = 3 * time.Second
	defaultBiasRange    = SourceRange110V
	defaultBiasDelay    = 100 * time.Millisecond
	complianceSettle    = 10 * time.Millisecond
	connectMessage      = "CONNECTION OK"
)

// Session owns exclusive access to one instrument for its lifetime. It
// tracks the instrument's source function and trigger state and sequences
// every mode-dependent operation. A Session is not safe for concurrent use;
// one control goroutine must own it for a run's lifetime.
type Session struct {
	bus Bus

	state      State
	compliance ComplianceSetting
	bias       BiasSetting
	trigger    TriggerMode
	armed      bool
	operating  bool

	displayDwell time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Session before construction runs.
type Option func(*Session)

// WithDisplayDwell overrides how long the connection message stays on the
// instrument display during construction.
func WithDisplayDwell(d time.Duration) Option {
	return func(s *Session) { s.displayDwell = d }
}

// New opens an instrument session over the given bus: greets the operator
// on the display, restores factory defaults, forces the V-I-dc source
// function with local sense, applies the validated compliance baseline and
// sets the 20 ms integration time and the deepest averaging filter. On any
// failure the instrument is reset and the bus released; a session is never
// half-open.
func New(bus Bus, complianceLevel string, measurementRange MeasureRange, opts ...Option) (*Session, error) {
	s := &Session{
		bus:          bus,
		state:        StateUninitialized,
		trigger:      TriggerContinuous,
		displayDwell: defaultDisplayDwell,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(complianceLevel, measurementRange); err != nil {
		s.teardown()
		return nil, err
	}

	s.state = StateReady
	logger.Info().Msg("Instrument session ready")

	return s, nil
}

func (s *Session) initialize(complianceLevel string, measurementRange MeasureRange) error {
	greeting, err := EncodeDisplay(connectMessage)
	if err != nil {
		return err
	}
	if err := s.bus.Send(greeting); err != nil {
		return err
	}
	time.Sleep(s.displayDwell)
	if err := s.bus.Send(cmdDisplayClear); err != nil {
		return err
	}

	if err := s.bus.Send(cmdFactoryReset); err != nil {
		return err
	}

	srcFn, err := EncodeSourceFunction(SourceVMeasureIDC)
	if err != nil {
		return err
	}
	if err := s.bus.Send(srcFn); err != nil {
		return err
	}

	sense, err := EncodeSense(SenseLocal)
	if err != nil {
		return err
	}
	if err := s.bus.Send(sense); err != nil {
		return err
	}

	if err := s.SetCompliance(complianceLevel, measurementRange); err != nil {
		return err
	}

	return s.applyBaselineFilter()
}

// applyBaselineFilter sets the default integration time and the 32-sample
// averaging filter.
func (s *Session) applyBaselineFilter() error {
	integration, err := EncodeIntegration(Integration20ms)
	if err != nil {
		return err
	}
	if err := s.bus.Send(integration); err != nil {
		return err
	}

	filter, err := EncodeFilter(MaxFilterCount)
	if err != nil {
		return err
	}
	return s.bus.Send(filter)
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// Compliance returns the active compliance setting.
func (s *Session) Compliance() ComplianceSetting {
	return s.compliance
}

// Bias returns the active bias setting.
func (s *Session) Bias() BiasSetting {
	return s.bias
}

// SourceFunction queries the instrument for its current source function.
func (s *Session) SourceFunction() (SourceFunction, error) {
	token, err := EncodeStatusQuery(StatusMeasureParams)
	if err != nil {
		return "", err
	}
	status, err := s.bus.Query(token)
	if err != nil {
		return "", err
	}
	return DecodeSourceFunction(status)
}

// requireVIDC rejects operations that are only implemented for the V-I-dc
// source function.
func (s *Session) requireVIDC(op string) error {
	if s.state == StateClosed {
		return errors.New().WithData(errors.ErrSessionClosed, op)
	}

	fn, err := s.SourceFunction()
	if err != nil {
		return err
	}
	if fn != SourceVMeasureIDC {
		return errors.New().New(errors.ErrUnsupportedMode).
			WithMessage(op + " is only implemented for source function V-I-dc").
			WithData(string(fn))
	}
	return nil
}

// SetBias sets the bias level, source range and source-delay-measure delay.
// The cycle trigger is disarmed from continuous mode around the write and
// re-armed for source-delay-measure cycling afterwards.
func (s *Session) SetBias(level float64, rng SourceRange, delay time.Duration) error {
	if err := s.requireVIDC("SetBias"); err != nil {
		return err
	}

	cmd, err := EncodeBias(level, rng, int(delay.Milliseconds()))
	if err != nil {
		return err
	}

	if err := s.setTrigger(TriggerContinuous); err != nil {
		return err
	}
	if err := s.bus.Send(cmd); err != nil {
		return err
	}
	if err := s.setTrigger(TriggerSourceDelayMeasure); err != nil {
		return err
	}

	s.bias = BiasSetting{Level: level, Range: rng, Delay: delay}
	if s.state == StateReady {
		s.state = StateBiased
	}
	logger.Debug().Float64("level", level).Str("range", string(rng)).
		Dur("delay", delay).Msg("Bias set")

	return nil
}

// SetCompliance sets the compliance level and measurement range. The level
// must be positive and within the ceiling of the chosen range; nothing is
// written to the bus otherwise.
func (s *Session) SetCompliance(level string, rng MeasureRange) error {
	if err := s.requireVIDC("SetCompliance"); err != nil {
		return err
	}

	cmd, err := EncodeCompliance(level, rng)
	if err != nil {
		return err
	}

	if err := s.setTrigger(TriggerContinuous); err != nil {
		return err
	}
	if err := s.bus.Send(cmd); err != nil {
		return err
	}
	time.Sleep(complianceSettle)
	if err := s.setTrigger(TriggerSourceDelayMeasure); err != nil {
		return err
	}

	s.compliance = ComplianceSetting{Level: level, Range: rng}
	logger.Debug().Str("level", level).Str("range", string(rng)).Msg("Compliance set")

	return nil
}

func (s *Session) setTrigger(mode TriggerMode) error {
	cmd, err := EncodeTrigger(mode)
	if err != nil {
		return err
	}
	if err := s.bus.Send(cmd); err != nil {
		return err
	}
	s.trigger = mode
	return nil
}

// ArmTrigger arms or disarms the trigger.
func (s *Session) ArmTrigger(on bool) error {
	if err := s.bus.Send(EncodeArm(on)); err != nil {
		return err
	}
	s.armed = on
	return nil
}

// SetOperate switches the instrument output on or off. Switching off while
// already off is a no-op on the instrument.
func (s *Session) SetOperate(on bool) error {
	if !on && !s.operating {
		return nil
	}
	if err := s.bus.Send(EncodeOperate(on)); err != nil {
		return err
	}
	s.operating = on
	if on {
		s.state = StateMeasuring
	} else if s.state == StateMeasuring {
		s.state = StateBiased
	}
	return nil
}

// CheckCompliance reads the status byte and reports a compliance violation
// if the compliance bit is set. The session stays usable; the data of the
// cycle that tripped is suspect.
func (s *Session) CheckCompliance() error {
	stb, err := s.bus.StatusByte()
	if err != nil {
		return err
	}
	if stb&complianceBit != 0 {
		logger.Warn().Uint8("status", stb).Msg("Compliance tripped")
		return errors.New().WithData(errors.ErrComplianceTripped, stb)
	}
	return nil
}

// Pulse applies the voltage for the given duration and switches the output
// off again, then checks for a compliance trip. The output is switched off
// even when the hold is interrupted.
func (s *Session) Pulse(ctx context.Context, voltage float64, duration time.Duration) error {
	logger.Debug().Float64("voltage", voltage).Dur("duration", duration).Msg("Pulse start")

	if err := s.SetBias(voltage, defaultBiasRange, defaultBiasDelay); err != nil {
		return err
	}
	if err := s.setTrigger(TriggerContinuous); err != nil {
		return err
	}
	if err := s.ArmTrigger(true); err != nil {
		return err
	}
	if err := s.SetOperate(true); err != nil {
		return err
	}

	holdErr := sleepContext(ctx, duration)
	if err := s.SetOperate(false); err != nil {
		if holdErr != nil {
			return multierr.Append(holdErr, err)
		}
		return err
	}
	if holdErr != nil {
		return errors.New().Wrap(errors.ErrCanceled, holdErr)
	}

	logger.Debug().Msg("Pulse end")

	return s.CheckCompliance()
}

// Measure applies the voltage, lets the source-delay-measure cycle wait for
// the given delay and returns the measured current. The read timeout is the
// delay plus one second and the short default timeout applies again
// afterwards. Output-off and trigger-disarm run regardless of read errors;
// a read timeout is recoverable and leaves the session usable.
func (s *Session) Measure(ctx context.Context, voltage float64, delay time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.New().Wrap(errors.ErrCanceled, err)
	}

	if err := s.SetBias(voltage, defaultBiasRange, delay); err != nil {
		return 0, err
	}
	if err := s.setTrigger(TriggerSourceDelayMeasure); err != nil {
		return 0, err
	}
	if err := s.ArmTrigger(true); err != nil {
		return 0, err
	}
	format, err := EncodeOutputFormat(FormatMeasureValue)
	if err != nil {
		return 0, err
	}
	if err := s.bus.Send(format); err != nil {
		return 0, err
	}
	if err := s.SetOperate(true); err != nil {
		return 0, err
	}

	reading, readErr := s.bus.QueryTimeout(cmdReadTrigger, delay+time.Second)

	// Scoped teardown: these run whether or not the read succeeded.
	offErr := s.SetOperate(false)
	disarmErr := s.ArmTrigger(false)

	if readErr != nil {
		return 0, readErr
	}
	if offErr != nil {
		return 0, offErr
	}
	if disarmErr != nil {
		return 0, disarmErr
	}

	if err := s.CheckCompliance(); err != nil {
		return 0, err
	}

	return DecodeReading(reading)
}

// BeginSampling applies a sustained bias and prepares the instrument for
// repeated triggered reads via ReadCurrent.
func (s *Session) BeginSampling(voltage float64) error {
	if err := s.SetBias(voltage, defaultBiasRange, defaultBiasDelay); err != nil {
		return err
	}
	if err := s.setTrigger(TriggerSourceDelayMeasure); err != nil {
		return err
	}
	if err := s.ArmTrigger(true); err != nil {
		return err
	}
	format, err := EncodeOutputFormat(FormatMeasureValue)
	if err != nil {
		return err
	}
	if err := s.bus.Send(format); err != nil {
		return err
	}
	return s.SetOperate(true)
}

// ReadCurrent triggers one source-delay-measure cycle and returns the
// measured current. The session must be sampling (see BeginSampling).
func (s *Session) ReadCurrent(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.New().Wrap(errors.ErrCanceled, err)
	}
	reading, err := s.bus.Query(cmdReadTrigger)
	if err != nil {
		return 0, err
	}
	return DecodeReading(reading)
}

// EndSampling switches the output off, disarms the trigger and checks for
// a compliance trip.
func (s *Session) EndSampling() error {
	if err := s.SetOperate(false); err != nil {
		return err
	}
	if err := s.ArmTrigger(false); err != nil {
		return err
	}
	return s.CheckCompliance()
}

// Close restores factory defaults and the baseline integration and filter
// settings, then releases the bus. It runs exactly once and always leaves
// the physical source in a safe, known state, regardless of the state the
// session was in.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
		s.state = StateClosed
		logger.Info().Msg("Instrument session closed")
	})
	return s.closeErr
}

func (s *Session) teardown() error {
	var err error
	if sErr := s.bus.Send(cmdFactoryReset); sErr != nil {
		err = multierr.Append(err, sErr)
	}
	if sErr := s.applyBaselineFilter(); sErr != nil {
		err = multierr.Append(err, sErr)
	}
	if sErr := s.bus.Close(); sErr != nil {
		err = multierr.Append(err, sErr)
	}
	s.operating = false
	s.armed = false
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
