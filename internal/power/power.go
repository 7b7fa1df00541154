// Package power wraps the host's suspend and reboot machinery so the rest
// of the node can stay ignorant of how the platform actually sleeps.
package power

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager suspends and restarts the node. Implementations don't return
// from a successful call in any meaningful way: the process is expected to
// be torn down by the platform shortly after.
type Manager interface {
	// DeepSleep suspends the node and arranges a wake after d.
	DeepSleep(d time.Duration) error
	// Reboot restarts the node immediately.
	Reboot() error
}

type hostManager struct {
	log *logrus.Logger
}

// NewHostManager returns a Manager backed by rtcwake and systemctl.
func NewHostManager(log *logrus.Logger) Manager {
	return &hostManager{log: log}
}

func (m *hostManager) DeepSleep(d time.Duration) error {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	m.log.Infof("Suspending to RAM, RTC wake in %s", d)
	out, err := exec.Command("rtcwake", "-m", "mem", "-s", fmt.Sprint(secs)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("rtcwake failed: %v, output: %s", err, out)
	}
	return nil
}

func (m *hostManager) Reboot() error {
	m.log.Info("Rebooting")
	out, err := exec.Command("systemctl", "reboot").CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot failed: %v, output: %s", err, out)
	}
	return nil
}
