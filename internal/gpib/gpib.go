// Package gpib provides the serial-attached Prologix GPIB link used to talk
// to the instrument. The instrument stack depends only on the narrow smu.Bus
// contract, so tests and other transports can replace this package entirely.
package gpib

import (
	"io"
	"strconv"
	"strings"
	"time"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/logger"
	"github.com/gotmc/prologix"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// DefaultReadTimeout is the short per-read timeout restored after every
// timed query.
const DefaultReadTimeout = 1 * time.Second

// executeTerminator triggers command execution on 48x-style instruments.
// The codec emits bare command strings; the link appends the terminator so
// no partial command is ever executed.
const executeTerminator = "X"

// Link is a session-oriented GPIB connection to a single instrument
// address, carried over a Prologix USB controller on a serial port.
type Link struct {
	ctrl *prologix.Controller
	port serial.Port
	addr int
}

// Open opens the serial port, configures the Prologix controller in charge
// and addresses the instrument. The returned Link owns the port until Close.
func Open(portName string, baud, addr int) (*Link, error) {
	errFactory := errors.New()

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrBusOpen, err).
			WithMessage("Failed to open serial port " + portName)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, errFactory.Wrap(errors.ErrBusOpen, err)
	}

	ctrl, err := prologix.NewController(port, addr, false)
	if err != nil {
		port.Close()
		return nil, errFactory.Wrap(errors.ErrBusOpen, err).
			WithData(addr)
	}

	logger.Debug().Str("port", portName).Int("address", addr).Msg("GPIB link open")

	return &Link{ctrl: ctrl, port: port, addr: addr}, nil
}

// Send writes one ASCII command to the instrument, appending the execute
// terminator.
func (l *Link) Send(cmd string) error {
	if err := l.ctrl.Command("%s%s", cmd, executeTerminator); err != nil {
		return errors.New().Wrap(errors.ErrBusWrite, err).WithData(cmd)
	}
	return nil
}

// Query writes one ASCII command and reads the response using the default
// read timeout.
func (l *Link) Query(cmd string) (string, error) {
	return l.QueryTimeout(cmd, DefaultReadTimeout)
}

// QueryTimeout writes one ASCII command and reads the response, applying
// the given timeout to this read only. The default timeout is restored
// before returning, whether or not the read succeeded.
func (l *Link) QueryTimeout(cmd string, timeout time.Duration) (string, error) {
	errFactory := errors.New()

	if err := l.port.SetReadTimeout(timeout); err != nil {
		return "", errFactory.Wrap(errors.ErrBusRead, err)
	}
	defer func() {
		if err := l.port.SetReadTimeout(DefaultReadTimeout); err != nil {
			logger.Warn().Err(err).Msg("failed to restore default read timeout")
		}
	}()

	s, err := l.ctrl.Query(cmd + executeTerminator)
	if err != nil {
		if errors.Is(err, io.ErrNoProgress) {
			return "", errFactory.Wrap(errors.ErrReadTimeout, err).WithData(cmd)
		}
		return "", errFactory.Wrap(errors.ErrBusRead, err).WithData(cmd)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		// A serial read timeout surfaces as an empty response.
		return "", errFactory.WithData(errors.ErrReadTimeout, cmd)
	}

	return s, nil
}

// StatusByte serial-polls the instrument and returns its status register.
func (l *Link) StatusByte() (byte, error) {
	errFactory := errors.New()

	s, err := l.ctrl.QueryController("spoll")
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrBusRead, err)
	}

	stb, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrProtocolDecode, err).WithData(s)
	}

	return byte(stb), nil
}

// Close returns the instrument to local front-panel control and releases
// the serial port.
func (l *Link) Close() error {
	var err error
	if cErr := l.ctrl.CommandController("loc"); cErr != nil {
		err = multierr.Append(err, cErr)
	}
	if cErr := l.port.Close(); cErr != nil {
		err = multierr.Append(err, cErr)
	}
	if err != nil {
		return errors.New().Wrap(errors.ErrBusClose, err)
	}
	return nil
}
