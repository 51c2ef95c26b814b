// Package plan reads measurement plans from spreadsheets. Rows with
// missing or malformed fields are dropped before they reach the scheduler.
package plan

import (
	"strconv"
	"time"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/logger"
	"codeberg.org/nanolab/smuctl/internal/measure"
	"github.com/xuri/excelize/v2"
)

// ReadSetTimes returns the first column of the first sheet as pulse
// durations, scaled by scale.
func ReadSetTimes(path string, scale float64) ([]time.Duration, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}

	var setTimes []time.Duration
	for i, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		seconds, err := strconv.ParseFloat(row[0], 64)
		if err != nil || seconds <= 0 {
			logger.Warn().Int("row", i+1).Str("value", row[0]).Msg("Dropping invalid set time")
			continue
		}
		setTimes = append(setTimes, time.Duration(seconds*scale*float64(time.Second)))
	}

	if len(setTimes) == 0 {
		return nil, errors.New().WithData(errors.ErrInvalidPlan, path).
			WithMessage("plan contains no usable set times")
	}

	return setTimes, nil
}

// ReadSteps returns the plan rows as scheduler steps. Columns are voltage
// [V], sampling period [s] and repeat count.
func ReadSteps(path string) ([]measure.Step, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}

	var steps []measure.Step
	for i, row := range rows {
		step, ok := parseStep(row)
		if !ok {
			logger.Warn().Int("row", i+1).Msg("Dropping incomplete plan row")
			continue
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, errors.New().WithData(errors.ErrInvalidPlan, path).
			WithMessage("plan contains no usable steps")
	}

	return steps, nil
}

func parseStep(row []string) (measure.Step, bool) {
	if len(row) < 3 {
		return measure.Step{}, false
	}

	voltage, err := strconv.ParseFloat(row[0], 64)
	if err != nil {
		return measure.Step{}, false
	}
	period, err := strconv.ParseFloat(row[1], 64)
	if err != nil || period <= 0 {
		return measure.Step{}, false
	}
	count, err := strconv.Atoi(row[2])
	if err != nil || count <= 0 {
		return measure.Step{}, false
	}

	return measure.Step{
		Voltage: voltage,
		Period:  time.Duration(period * float64(time.Second)),
		Count:   count,
	}, true
}

func readRows(path string) ([][]string, error) {
	errFactory := errors.New()

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidPlan, err).WithData(path)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidPlan, err).WithData(path)
	}

	return rows, nil
}
