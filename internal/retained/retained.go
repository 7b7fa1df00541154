// Package retained models the retained memory region: a small state file
// kept on tmpfs so it survives deep sleep (which is a process restart on
// this platform) but is lost on cold power loss. Nothing here is durable;
// durable state belongs in nvstore.
package retained

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BootState is the per-wake state carried across deep sleep cycles.
type BootState struct {
	BootCount   int       `json:"boot_count"`
	LastVoltage float32   `json:"last_voltage"`
	LastWake    time.Time `json:"last_wake"`

	path string
}

// WakeCause says why the process started.
type WakeCause int

const (
	WakeCauseCold  WakeCause = iota // no retained state, cold power-on
	WakeCauseTimer                  // retained state present, timer wake from deep sleep
)

func (w WakeCause) String() string {
	if w == WakeCauseTimer {
		return "timer"
	}
	return "cold boot"
}

// Load reads the retained state file. A missing or unreadable file means a
// cold boot and yields a zeroed state, never an error.
func Load(path string) (*BootState, WakeCause) {
	s := &BootState{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, WakeCauseCold
	}
	if err := json.Unmarshal(data, s); err != nil {
		// Corrupt retained region, treat as cold boot.
		return &BootState{path: path}, WakeCauseCold
	}
	s.path = path
	return s, WakeCauseTimer
}

// Save writes the state back to the retained region.
func (s *BootState) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing retained state: %w", err)
	}
	return nil
}

// NewWake increments the boot counter and records the wake time. Called
// once per process start before the first cycle runs.
func (s *BootState) NewWake() {
	s.BootCount++
	s.LastWake = time.Now()
}
