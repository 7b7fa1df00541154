// Package console implements the line-oriented maintenance shell exposed
// on the serial port. It is the field tech's interface: inspect state,
// change configuration, trigger updates, and control sleep.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voltlog/battery-node/internal/battery"
	"github.com/voltlog/battery-node/internal/devconf"
	"github.com/voltlog/battery-node/internal/nvstore"
)

// how long "nosleep" inhibits deep sleep
const noSleepWindow = 24 * time.Hour

// SleepControl is the stay-awake surface of the wake-cycle controller.
type SleepControl interface {
	StayAwakeFor(d time.Duration)
	AllowSleep()
}

// Handler executes console commands against the live node.
type Handler struct {
	log     *logrus.Logger
	conf    *devconf.Config
	store   *nvstore.Store
	sleep   SleepControl
	version string

	// ReadNow samples the battery immediately, Update requests an OTA,
	// Reboot restarts the node.
	readNow func() (battery.Reading, error)
	update  func(filename string) error
	reboot  func() error
}

func NewHandler(log *logrus.Logger, conf *devconf.Config, store *nvstore.Store,
	sleep SleepControl, version string,
	readNow func() (battery.Reading, error),
	update func(filename string) error,
	reboot func() error) *Handler {
	return &Handler{
		log:     log,
		conf:    conf,
		store:   store,
		sleep:   sleep,
		version: version,
		readNow: readNow,
		update:  update,
		reboot:  reboot,
	}
}

// Run reads commands line by line until the stream ends. Meant to be run
// in its own goroutine over the serial port.
func (h *Handler) Run(rw io.ReadWriter) error {
	fmt.Fprintf(rw, "battery-node %s console, type 'help'\n", h.version)
	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.Exec(line, rw)
	}
	return scanner.Err()
}

// Exec runs a single command, writing its response to w.
func (h *Handler) Exec(line string, w io.Writer) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "help":
		h.help(w)
	case "show":
		h.show(w)
	case "read":
		h.read(w)
	case "set":
		h.set(args, w)
	case "save":
		if err := h.conf.Save(h.store); err != nil {
			fmt.Fprintf(w, "save failed: %v\n", err)
			return
		}
		fmt.Fprintln(w, "configuration saved")
	case "otaver":
		h.otaver(args, w)
	case "update":
		h.triggerUpdate(args, w)
	case "reset":
		h.reset(args, w)
	case "nosleep":
		h.sleep.StayAwakeFor(noSleepWindow)
		fmt.Fprintf(w, "deep sleep inhibited for %s\n", noSleepWindow)
	case "sleep":
		h.sleep.AllowSleep()
		fmt.Fprintln(w, "deep sleep allowed")
	case "reboot":
		fmt.Fprintln(w, "rebooting")
		if err := h.reboot(); err != nil {
			fmt.Fprintf(w, "reboot failed: %v\n", err)
		}
	default:
		fmt.Fprintf(w, "unknown command %q, type 'help'\n", cmd)
	}
}

func (h *Handler) help(w io.Writer) {
	fmt.Fprint(w, `commands:
  show               print configuration and last reading
  read               sample the battery now
  set <key> <value>  change a config value (not persisted until save)
  save               persist configuration changes
  otaver <version>   set the target firmware version (empty to clear)
  update [path]      update firmware now (no path: wait for upload)
  reset nvs          factory reset and reboot
  nosleep            inhibit deep sleep
  sleep              allow deep sleep again
  reboot             restart the node
`)
}

func (h *Handler) show(w io.Writer) {
	fmt.Fprintf(w, "Firmware:           %s\n", h.version)
	fmt.Fprintln(w, h.conf.String())
	reading, err := h.readNow()
	if err != nil {
		fmt.Fprintf(w, "Battery:            read failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Battery:            %.2fV %.0f%% %s\n",
		reading.Voltage, reading.Percent, reading.Status)
}

func (h *Handler) read(w io.Writer) {
	reading, err := h.readNow()
	if err != nil {
		fmt.Fprintf(w, "read failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "%.2fV %s %.0f%% %s\n",
		reading.Voltage, battery.Bar(reading.Percent), reading.Percent, reading.Status)
}

func (h *Handler) set(args []string, w io.Writer) {
	if len(args) < 1 {
		fmt.Fprintln(w, "usage: set <key> <value>")
		return
	}
	value := ""
	if len(args) > 1 {
		value = strings.Join(args[1:], " ")
	}
	if err := h.conf.Set(args[0], value); err != nil {
		fmt.Fprintf(w, "set failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "%s set (run 'save' to persist)\n", args[0])
}

func (h *Handler) otaver(args []string, w io.Writer) {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	if err := h.conf.Set("ota_target", target); err != nil {
		fmt.Fprintf(w, "otaver failed: %v\n", err)
		return
	}
	if err := h.conf.Save(h.store); err != nil {
		fmt.Fprintf(w, "otaver save failed: %v\n", err)
		return
	}
	if target == "" {
		fmt.Fprintln(w, "target version cleared")
	} else {
		fmt.Fprintf(w, "target version set to %s\n", target)
	}
}

func (h *Handler) triggerUpdate(args []string, w io.Writer) {
	filename := ""
	if len(args) > 0 {
		filename = args[0]
	}
	if err := h.update(filename); err != nil {
		fmt.Fprintf(w, "update request failed: %v\n", err)
		return
	}
	if filename == "" {
		fmt.Fprintln(w, "update requested, waiting for a network upload")
	} else {
		fmt.Fprintf(w, "update requested: %s\n", filename)
	}
}

func (h *Handler) reset(args []string, w io.Writer) {
	if len(args) != 1 || (!strings.EqualFold(args[0], "nvs") && !strings.EqualFold(args[0], "config")) {
		fmt.Fprintln(w, "usage: reset nvs")
		return
	}
	h.log.Warn("Factory reset requested over console")
	if err := h.store.Clear(); err != nil {
		fmt.Fprintf(w, "reset failed: %v\n", err)
		return
	}
	fmt.Fprintln(w, "store wiped, rebooting")
	if err := h.reboot(); err != nil {
		fmt.Fprintf(w, "reboot failed: %v\n", err)
	}
}
