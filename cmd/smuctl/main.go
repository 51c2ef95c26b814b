package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/nanolab/smuctl/internal/config"
	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/gpib"
	"codeberg.org/nanolab/smuctl/internal/logger"
	"codeberg.org/nanolab/smuctl/internal/measure"
	"codeberg.org/nanolab/smuctl/internal/plan"
	"codeberg.org/nanolab/smuctl/internal/results"
	"codeberg.org/nanolab/smuctl/internal/smu"
)

// The production bus is the Prologix link.
var _ smu.Bus = (*gpib.Link)(nil)

var cfg *config.Config

var logLevels = map[string]logger.LogLevel{
	"debug":   logger.DebugLevel,
	"info":    logger.InfoLevel,
	"warning": logger.WarnLevel,
	"error":   logger.ErrorLevel,
}

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		logger.SetLogLevel(logLevels[cfg.LogLevel])
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	link, err := gpib.Open(cfg.Port, cfg.Baud, cfg.Address)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open GPIB link")
	}

	session, err := smu.New(link, cfg.Compliance, smu.MeasureRange(cfg.Range))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize instrument session")
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close instrument session")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, session); err != nil {
		logger.Error().Err(err).Msg("run failed")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, session *smu.Session) error {
	log, err := results.OpenLog(cfg.Output)
	if err != nil {
		return err
	}
	defer log.Close()

	dbPath := ""
	if cfg.Telemetry {
		dbPath = cfg.TelemetryDB
	}
	repo, err := results.NewRepository(dbPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	mode := "pulse"
	switch {
	case cfg.Bias:
		mode = "bias"
	case cfg.StepPlan != "":
		mode = "plan"
	}
	runID, err := repo.BeginRun(ctx, results.RunInfo{
		Mode:       mode,
		Compliance: cfg.Compliance,
		Range:      cfg.Range,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	writeMeta(log, "run_started", start.Format(time.RFC3339))
	writeMeta(log, "compliance", cfg.Compliance)
	writeMeta(log, "range", cfg.Range)

	sink := func(s measure.Sample) error {
		if err := log.Sample(s); err != nil {
			return err
		}
		return repo.Record(ctx, runID, s)
	}

	switch {
	case cfg.Bias:
		err = biasRun(ctx, session, start, sink)
	case cfg.StepPlan != "":
		err = planRun(ctx, session, start, sink)
	default:
		err = pulseRun(ctx, session, start, sink)
	}

	writeMeta(log, "run_finished", time.Now().Format(time.RFC3339))
	if endErr := repo.EndRun(context.WithoutCancel(ctx), runID); endErr != nil {
		logger.Error().Err(endErr).Msg("failed to finish recorded run")
	}

	return err
}

// biasRun applies a constant bias and samples periodically. The sampling
// loop runs on its own goroutine; the driver only supervises, matching the
// one-worker-per-session model.
func biasRun(ctx context.Context, session *smu.Session, start time.Time, sink func(measure.Sample) error) error {
	logger.Info().Float64("voltage", cfg.BiasVoltage).Int("samples", cfg.Samples).
		Float64("interval", cfg.Interval).Msg("Constant-bias run")

	if err := session.BeginSampling(cfg.BiasVoltage); err != nil {
		return err
	}

	sc := measure.NewScheduler(session, start)
	period := secondsToDuration(cfg.Interval)
	lead := secondsToDuration(cfg.LeadTime)

	done := make(chan error, 1)
	go func() {
		done <- sc.Periodic(cfg.Samples, period, lead).Collect(ctx, sink)
	}()

	// A sample in flight always finishes before teardown; cancellation only
	// takes effect between samples.
	err := <-done

	if endErr := session.EndSampling(); endErr != nil {
		if errors.IsCode(endErr, errors.ErrComplianceTripped) {
			logger.Warn().Err(endErr).Msg("compliance tripped during bias run, data is suspect")
		} else if err == nil {
			err = endErr
		}
	}

	return err
}

// planRun executes an ordered step plan: every step applies its bias and
// takes its own drift-compensated periodic samples, strictly in plan order.
func planRun(ctx context.Context, session *smu.Session, start time.Time, sink func(measure.Sample) error) error {
	steps, err := plan.ReadSteps(cfg.StepPlan)
	if err != nil {
		return err
	}
	logger.Info().Int("steps", len(steps)).Str("plan", cfg.StepPlan).Msg("Step-plan run")

	sc := measure.NewScheduler(session, start)
	if err := sc.RunPlan(ctx, steps, session, sink); err != nil {
		return err
	}

	if err := session.EndSampling(); err != nil {
		if errors.IsCode(err, errors.ErrComplianceTripped) {
			logger.Warn().Err(err).Msg("compliance tripped during plan run, data is suspect")
			return nil
		}
		return err
	}
	return nil
}

// pulseRun performs the set-pulse characterization: a baseline measurement,
// then one set pulse per planned duration, each followed by a measurement
// and a rest period.
func pulseRun(ctx context.Context, session *smu.Session, start time.Time, sink func(measure.Sample) error) error {
	if cfg.Plan == "" {
		return errors.New().WithMessage(errors.ErrMissingConfig,
			"pulse mode requires a plan spreadsheet (--plan)")
	}

	setTimes, err := plan.ReadSetTimes(cfg.Plan, cfg.PlanScale)
	if err != nil {
		return err
	}
	logger.Info().Int("pulses", len(setTimes)).Str("plan", cfg.Plan).Msg("Pulse run")

	delay := secondsToDuration(cfg.MeasureDelay)
	rest := secondsToDuration(cfg.RestPeriod)

	if err := measureOnce(ctx, session, start, delay, sink); err != nil {
		return err
	}

	for i, setTime := range setTimes {
		logger.Info().Int("pulse", i+1).Dur("duration", setTime).Msg("Set pulse")

		if err := session.Pulse(ctx, cfg.SetVoltage, setTime); err != nil {
			if !errors.IsCode(err, errors.ErrComplianceTripped) {
				return err
			}
			logger.Warn().Err(err).Msg("compliance tripped during set pulse, data is suspect")
		}

		if err := measureOnce(ctx, session, start, delay, sink); err != nil {
			return err
		}

		if err := sleepContext(ctx, rest); err != nil {
			return errors.New().Wrap(errors.ErrCanceled, err)
		}
	}

	return nil
}

func measureOnce(ctx context.Context, session *smu.Session, start time.Time, delay time.Duration, sink func(measure.Sample) error) error {
	current, err := session.Measure(ctx, cfg.MeasureVoltage, delay)
	if err != nil {
		switch {
		case errors.IsCode(err, errors.ErrReadTimeout):
			// Recoverable: the session already restored its safe state.
			logger.Warn().Err(err).Msg("measurement read timed out, skipping sample")
			return nil
		case errors.IsCode(err, errors.ErrComplianceTripped):
			logger.Warn().Err(err).Msg("compliance tripped during measurement, data is suspect")
			return nil
		}
		return err
	}

	return sink(measure.Sample{Elapsed: time.Since(start), Current: current})
}

func writeMeta(log *results.Log, key, value string) {
	if err := log.Meta(key, value); err != nil {
		logger.Error().Err(err).Msg("failed to write result metadata")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
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
