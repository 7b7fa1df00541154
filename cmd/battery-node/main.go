/*
battery-node - Battery voltage telemetry node
Copyright (C) 2025, Voltlog

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/voltlog/battery-node/internal/adc"
	"github.com/voltlog/battery-node/internal/battery"
	"github.com/voltlog/battery-node/internal/console"
	"github.com/voltlog/battery-node/internal/devconf"
	"github.com/voltlog/battery-node/internal/mqtt"
	"github.com/voltlog/battery-node/internal/nvstore"
	"github.com/voltlog/battery-node/internal/ota"
	"github.com/voltlog/battery-node/internal/power"
	"github.com/voltlog/battery-node/internal/retained"
	"github.com/voltlog/battery-node/internal/wakecycle"
	"github.com/voltlog/battery-node/internal/wifi"
)

const (
	samplerAddress     = 0x34
	voltageCSVFile     = "/var/log/battery-voltage.csv"
	maxVoltageReadings = 2000
)

var version = "No version provided"

var log = logrus.New()

type argSpec struct {
	StateDir     string  `arg:"--state-dir" help:"directory for the durable store and staged firmware"`
	RetainedFile string  `arg:"--retained-file" help:"retained state file, should live on tmpfs"`
	SerialPort   string  `arg:"--serial-port" help:"serial port for the maintenance console, empty to disable"`
	Baud         int     `arg:"--baud" help:"console baud rate"`
	SleepMinutes int     `arg:"--sleep-minutes" help:"deep sleep duration between wakes in minutes"`
	AwakeSeconds int     `arg:"--awake-seconds" help:"delay between wakes when staying awake in seconds"`
	OTABaseURL   string  `arg:"--ota-base-url" help:"base URL for firmware artifacts"`
	SimVoltage   float64 `arg:"--sim-voltage" help:"report this fixed voltage instead of sampling hardware"`
	SkipSleep    bool    `arg:"--skip-sleep" help:"never suspend, delay instead (for development)"`
	LogLevel     string  `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	args := argSpec{
		StateDir:     "/var/lib/battery-node",
		RetainedFile: "/run/battery-node/retained.json",
		SerialPort:   "/dev/serial0",
		Baud:         115200,
		SleepMinutes: 240,
		AwakeSeconds: 60,
	}
	arg.MustParse(&args)
	return args
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)

	log.Info("Running version: ", version)

	store, err := nvstore.Open(filepath.Join(args.StateDir, "state.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	conf, firstRun, err := devconf.Load(store)
	if err != nil {
		return err
	}
	if firstRun {
		log.Info("First run, store seeded with default configuration")
	}
	log.Debug("Configuration:\n", conf.String())

	state, cause := retained.Load(args.RetainedFile)
	state.NewWake()
	log.Infof("Wake %d (%s)", state.BootCount, cause)
	if err := state.Save(); err != nil {
		log.Errorf("Saving retained state failed: %v", err)
	}

	sampler, err := makeSampler(args)
	if err != nil {
		return err
	}

	pm := makePowerManager(args)

	otaConf := ota.DefaultConfig()
	otaConf.StagingPath = filepath.Join(args.StateDir, "firmware-staged.bin")
	if args.OTABaseURL != "" {
		otaConf.BaseURL = args.OTABaseURL
	}
	updater := ota.New(log, store, version, otaConf, pm.Reboot)
	updater.CheckPendingIntent()

	client := mqtt.NewClient(log, conf, mqtt.DefaultTopicBase)

	opts := wakecycle.DefaultOptions()
	opts.SleepDuration = time.Duration(args.SleepMinutes) * time.Minute
	opts.AwakeDelay = time.Duration(args.AwakeSeconds) * time.Second
	controller := wakecycle.New(log, conf, state, cause, sampler, client,
		updater, wifi.RSSI, opts)

	if err := startService(controller, updater); err != nil {
		log.Warnf("D-Bus service not available: %v", err)
	}
	startConsole(args, conf, store, controller, sampler, updater, pm)

	if err := trimCSV(voltageCSVFile, maxVoltageReadings); err != nil {
		log.Errorf("Trimming voltage log failed: %v", err)
	}

	for {
		decision, err := controller.RunWake(context.Background())
		if err != nil {
			log.Errorf("Wake cycle error: %v", err)
		}

		if controller.ResetRequested() {
			log.Warn("Factory reset, wiping store and rebooting")
			if err := store.Clear(); err != nil {
				return err
			}
			return pm.Reboot()
		}

		if reading, ok := controller.LastReading(); ok {
			if err := appendCSV(voltageCSVFile, reading); err != nil {
				log.Errorf("Appending voltage log failed: %v", err)
			}
		}

		if err := state.Save(); err != nil {
			log.Errorf("Saving retained state failed: %v", err)
		}

		if decision == wakecycle.DecisionDeepSleep {
			client.Disconnect()
			if err := pm.DeepSleep(opts.SleepDuration); err != nil {
				log.Errorf("Deep sleep failed, delaying instead: %v", err)
				time.Sleep(opts.AwakeDelay)
				continue
			}
			// Back from suspend, this is a timer wake.
			cause = retained.WakeCauseTimer
			controller.SetWakeCause(cause)
			state.NewWake()
			log.Infof("Wake %d (%s)", state.BootCount, cause)
		} else {
			log.Debugf("Staying awake, next cycle in %s", opts.AwakeDelay)
			time.Sleep(opts.AwakeDelay)
		}
	}
}

func makeSampler(args argSpec) (adc.Sampler, error) {
	if args.SimVoltage > 0 {
		log.Warnf("Using simulated voltage %.2fV", args.SimVoltage)
		return adc.FixedSampler{Voltage: float32(args.SimVoltage)}, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, err
	}
	return adc.NewI2CSampler(bus, samplerAddress, adc.DefaultConverter()), nil
}

// makePowerManager returns the real suspend/reboot manager, or a delay-only
// stand-in when --skip-sleep is set.
func makePowerManager(args argSpec) power.Manager {
	if args.SkipSleep {
		return skipSleepManager{}
	}
	return power.NewHostManager(log)
}

type skipSleepManager struct{}

func (skipSleepManager) DeepSleep(d time.Duration) error {
	log.Infof("Skipping suspend, sleeping %s in process", d)
	time.Sleep(d)
	return nil
}

func (skipSleepManager) Reboot() error {
	log.Info("Skipping reboot, exiting instead")
	os.Exit(0)
	return nil
}

func startConsole(args argSpec, conf *devconf.Config, store *nvstore.Store,
	controller *wakecycle.Controller, sampler adc.Sampler,
	updater *ota.Orchestrator, pm power.Manager) {
	if args.SerialPort == "" {
		return
	}
	port, err := serial.OpenPort(&serial.Config{Name: args.SerialPort, Baud: args.Baud})
	if err != nil {
		log.Warnf("Console disabled, can't open %s: %v", args.SerialPort, err)
		return
	}

	handler := console.NewHandler(log, conf, store, controller, version,
		func() (battery.Reading, error) {
			volts, err := sampler.ReadVoltage()
			if err != nil {
				return battery.Reading{}, err
			}
			return battery.Classify(volts, conf.Thresholds()), nil
		},
		updater.RequestUpdate,
		pm.Reboot)
	go func() {
		if err := handler.Run(port); err != nil {
			log.Errorf("Console stopped: %v", err)
		}
	}()
}

func appendCSV(filePath string, reading battery.Reading) error {
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s, %.2f, %.1f, %s",
		reading.Time.Format("2006-01-02 15:04:05"), reading.Voltage, reading.Percent, reading.Status)
	_, err = file.WriteString(line + "\n")
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// trimCSV keeps the last maxLines lines of the voltage log.
func trimCSV(filePath string, maxLines int) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	tmpFile := filepath.Join(os.TempDir(), filepath.Base(filePath)+".tmp")
	err := os.Remove(tmpFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	commands := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s > %s", maxLines, filePath, tmpFile)}
	cmd := exec.Command(commands[0], commands[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("err running '%s', %v, %v", strings.Join(commands, " "), string(out), err)
	}
	return os.Rename(tmpFile, filePath)
}
