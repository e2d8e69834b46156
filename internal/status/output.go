package status

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const (
	DefaultRunPin  = "GPIO16"
	DefaultWarnPin = "GPIO20"
)

var (
	hostInit    sync.Once
	hostInitErr error
)

// GPIOOutput is an indicator wired to a GPIO pin
type GPIOOutput struct {
	pin gpio.PinIO
}

// OpenGPIO initialises the host drivers once and looks the pin up by name (e.g. GPIO16)
func OpenGPIO(name string) (*GPIOOutput, error) {
	hostInit.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, fmt.Errorf("error initialising GPIO host: %w", hostInitErr)
	}

	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("GPIO pin %s not found", name)
	}

	o := GPIOOutput{pin: pin}
	if err := o.Set(false); err != nil {
		return nil, err
	}

	return &o, nil
}

func (o *GPIOOutput) Set(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}

	if err := o.pin.Out(level); err != nil {
		return fmt.Errorf("error setting %s: %w", o.pin.Name(), err)
	}

	return nil
}

// LogOutput reports indicator changes to the log when no GPIO is available
type LogOutput struct {
	name   string
	logger *slog.Logger
}

func NewLogOutput(name string, logger *slog.Logger) *LogOutput {
	return &LogOutput{name: name, logger: logger}
}

func (o *LogOutput) Set(on bool) error {
	o.logger.Info("indicator changed", slog.String("indicator", o.name), slog.Bool("on", on))
	return nil
}

// OpenOutputs opens both GPIO indicators and falls back to log outputs when
// GPIO is disabled or unavailable.
func OpenOutputs(enabled bool, runPin, warnPin string, logger *slog.Logger) (run, warn Output) {
	if enabled {
		runOut, err := OpenGPIO(runPin)
		if err == nil {
			var warnOut *GPIOOutput
			if warnOut, err = OpenGPIO(warnPin); err == nil {
				return runOut, warnOut
			}
		}

		logger.Warn("GPIO indicators unavailable, logging instead", slog.String("error", err.Error()))
	}

	return NewLogOutput("run", logger), NewLogOutput("warn", logger)
}
