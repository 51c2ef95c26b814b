// Package measure drives one-shot and periodic measurement sequences on
// top of an instrument session. Periodic sampling honors the requested
// period even though every sample takes non-zero wall-clock time: deadlines
// are anchored to the run reference time, so per-sample latency never
// accumulates as drift.
package measure

import (
	"context"
	"time"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/logger"
)

// CurrentReader issues one immediate triggered read.
type CurrentReader interface {
	ReadCurrent(ctx context.Context) (float64, error)
}

// BiasSetter applies a sustained bias between plan steps.
type BiasSetter interface {
	BeginSampling(voltage float64) error
}

// Sample is one time-stamped current measurement.
type Sample struct {
	Elapsed time.Duration
	Current float64
}

// Seconds returns the elapsed time as seconds, the unit used by the result
// log.
func (s Sample) Seconds() float64 {
	return s.Elapsed.Seconds()
}

// Step is one plan entry: a bias voltage sampled Count times, Period apart.
type Step struct {
	Voltage float64
	Period  time.Duration
	Count   int
}

// Scheduler timestamps samples against a fixed reference time. It borrows
// the session per call and owns no instrument state.
type Scheduler struct {
	rdr CurrentReader
	ref time.Time
}

// NewScheduler returns a scheduler reading through rdr, with timestamps
// relative to ref.
func NewScheduler(rdr CurrentReader, ref time.Time) *Scheduler {
	return &Scheduler{rdr: rdr, ref: ref}
}

// Single takes one immediate sample.
func (sc *Scheduler) Single(ctx context.Context) (Sample, error) {
	current, err := sc.rdr.ReadCurrent(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Elapsed: time.Since(sc.ref), Current: current}, nil
}

// Periodic returns a finite, non-restartable sequence of count samples
// spaced period apart. lead is the expected latency of one measurement;
// each sample is started lead before its deadline so that the reading
// lands on the requested cadence.
func (sc *Scheduler) Periodic(count int, period, lead time.Duration) *Periodic {
	return &Periodic{
		sc:     sc,
		count:  count,
		period: period,
		lead:   lead,
		anchor: time.Now(),
	}
}

// Periodic is a drift-compensated sampling sequence. It is not safe for
// concurrent use and cannot be restarted once exhausted.
type Periodic struct {
	sc     *Scheduler
	count  int
	taken  int
	period time.Duration
	lead   time.Duration
	anchor time.Time
}

// Remaining returns how many samples the sequence will still produce.
func (p *Periodic) Remaining() int {
	return p.count - p.taken
}

// Next blocks until the next deadline and takes one sample. Once count
// samples have been produced, Done reports true and Next must not be
// called again. Cancellation is cooperative: a sample in flight always
// completes.
func (p *Periodic) Next(ctx context.Context) (Sample, error) {
	if p.taken >= p.count {
		return Sample{}, errors.New().WithMessage(errors.ErrInvalidOperation,
			"periodic sequence exhausted")
	}

	deadline := p.anchor.Add(time.Duration(p.taken+1) * p.period)

	// Sleep up to lead before the deadline, then sample. If the previous
	// sample overran its budget this wait is already negative and is
	// skipped rather than failed.
	if wait := time.Until(deadline.Add(-p.lead)); wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			return Sample{}, errors.New().Wrap(errors.ErrCanceled, err)
		}
	}

	sample, err := p.sc.Single(ctx)
	if err != nil {
		return Sample{}, err
	}
	p.taken++

	// Residual sleep so the iteration ends on the deadline.
	if wait := time.Until(deadline); wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			return sample, errors.New().Wrap(errors.ErrCanceled, err)
		}
	}

	return sample, nil
}

// Done reports whether the sequence has produced all its samples.
func (p *Periodic) Done() bool {
	return p.taken >= p.count
}

// Collect runs the whole sequence, passing every sample to sink.
func (p *Periodic) Collect(ctx context.Context, sink func(Sample) error) error {
	for !p.Done() {
		sample, err := p.Next(ctx)
		if err != nil {
			return err
		}
		if err := sink(sample); err != nil {
			return err
		}
	}
	return nil
}

// RunPlan executes the plan steps strictly in order: for every step the
// bias is applied, then Count drift-compensated samples Period apart are
// passed to sink.
func (sc *Scheduler) RunPlan(ctx context.Context, steps []Step, bias BiasSetter, sink func(Sample) error) error {
	for i, step := range steps {
		logger.Info().Int("step", i+1).Float64("voltage", step.Voltage).
			Dur("period", step.Period).Int("count", step.Count).Msg("Plan step")

		if err := bias.BeginSampling(step.Voltage); err != nil {
			return err
		}

		lead := sc.leadFor(step.Period)
		if err := sc.Periodic(step.Count, step.Period, lead).Collect(ctx, sink); err != nil {
			return err
		}
	}
	return nil
}

// defaultLead is the assumed single-measurement latency when a plan step
// does not leave room for the configured lead.
const defaultLead = 100 * time.Millisecond

func (sc *Scheduler) leadFor(period time.Duration) time.Duration {
	if defaultLead < period {
		return defaultLead
	}
	return 0
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
