// Package wakecycle drives one wake of the node: read the battery, report
// it, service remote commands for a bounded window, run any pending or
// newly-triggered firmware update, then decide between deep sleep and
// staying awake.
package wakecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voltlog/battery-node/internal/battery"
	"github.com/voltlog/battery-node/internal/devconf"
	"github.com/voltlog/battery-node/internal/mqtt"
	"github.com/voltlog/battery-node/internal/retained"
)

// Decision is the outcome of a wake.
type Decision int

const (
	// DecisionDeepSleep means the caller should persist state and suspend.
	DecisionDeepSleep Decision = iota
	// DecisionStayAwake means the caller should delay and run another wake.
	DecisionStayAwake
)

func (d Decision) String() string {
	if d == DecisionDeepSleep {
		return "deep-sleep"
	}
	return "stay-awake"
}

// Transport is the broker connection used during a wake.
type Transport interface {
	Connect(timeout time.Duration) error
	Connected() bool
	Disconnect()
	Commands() <-chan mqtt.Command
	PublishTelemetry(mqtt.Telemetry) error
}

// Updater is the OTA orchestrator surface the controller drives.
type Updater interface {
	UpdateRequested() bool
	RequestUpdate(filename string) error
	CheckForUpdates(targetVersion, chemistry string) (bool, error)
	HandleUpdate(ctx context.Context) error
}

// Sampler reads the battery voltage.
type Sampler interface {
	ReadVoltage() (float32, error)
}

// Options are the controller's timing parameters.
type Options struct {
	SleepDuration  time.Duration // deep-sleep interval between wakes
	AwakeDelay     time.Duration // pause between wakes when staying awake
	PollWindow     time.Duration // how long to service inbound commands per wake
	ConnectTimeout time.Duration
	FirstBootGrace time.Duration // stay-awake window after a cold boot
	UpdateDelay    time.Duration // settle time before an update starts
}

func DefaultOptions() Options {
	return Options{
		SleepDuration:  4 * time.Hour,
		AwakeDelay:     60 * time.Second,
		PollWindow:     5 * time.Second,
		ConnectTimeout: 15 * time.Second,
		FirstBootGrace: 2 * time.Minute,
		UpdateDelay:    5 * time.Second,
	}
}

// Controller runs wakes. It is single-threaded apart from StayAwakeUntil,
// which the D-Bus and console handlers may call concurrently.
type Controller struct {
	log      *logrus.Logger
	conf     *devconf.Config
	state    *retained.BootState
	cause    retained.WakeCause
	sampler  Sampler
	trans    Transport
	updater  Updater
	rssi     func() int
	opts     Options
	started  time.Time
	resetReq bool

	mu          sync.Mutex
	stayOnUntil time.Time
	lastReading battery.Reading
	haveReading bool
}

func New(log *logrus.Logger, conf *devconf.Config, state *retained.BootState,
	cause retained.WakeCause, sampler Sampler, trans Transport,
	updater Updater, rssi func() int, opts Options) *Controller {
	return &Controller{
		log:     log,
		conf:    conf,
		state:   state,
		cause:   cause,
		sampler: sampler,
		trans:   trans,
		updater: updater,
		rssi:    rssi,
		opts:    opts,
		started: time.Now(),
	}
}

// StayAwakeUntil keeps the node out of deep sleep until at least t.
// Later calls only ever extend the window.
func (c *Controller) StayAwakeUntil(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.stayOnUntil) {
		c.stayOnUntil = t
		c.log.Infof("Staying awake until %s", t.Format(time.RFC3339))
	}
}

// StayAwakeFor keeps the node out of deep sleep for at least d from now.
func (c *Controller) StayAwakeFor(d time.Duration) {
	c.StayAwakeUntil(time.Now().Add(d))
}

// SetWakeCause records why the current wake happened. The daemon calls
// this after a resume from suspend, so the first-boot grace window never
// applies to timer wakes no matter how much wall clock has passed.
func (c *Controller) SetWakeCause(cause retained.WakeCause) {
	c.cause = cause
}

// AllowSleep clears any stay-awake override.
func (c *Controller) AllowSleep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stayOnUntil = time.Time{}
}

// LastReading returns the most recent classified reading, if any.
func (c *Controller) LastReading() (battery.Reading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReading, c.haveReading
}

// ResetRequested reports whether a factory reset was commanded this wake.
// The caller wipes the store and reboots.
func (c *Controller) ResetRequested() bool {
	return c.resetReq
}

// RunWake performs one full wake and returns the sleep decision.
func (c *Controller) RunWake(ctx context.Context) (Decision, error) {
	reading, err := c.readBattery()
	if err != nil {
		// A failed reading still reports, as a dead/unknown value, so the
		// fleet can see the node is alive but its sensor is not.
		c.log.Errorf("Battery read failed: %v", err)
	}

	// An update recovered from a previous interrupted wake runs before
	// anything else, it already waited one sleep cycle.
	if c.updater.UpdateRequested() {
		c.connect()
		if err := c.runUpdate(ctx); err != nil {
			return DecisionStayAwake, err
		}
	}

	if !c.trans.Connected() {
		c.connect()
	}
	if c.trans.Connected() {
		c.publish(reading)
		c.pollCommands(ctx)
	}

	if c.resetReq {
		// The caller handles the wipe and reboot, sleep is irrelevant.
		return DecisionStayAwake, nil
	}

	if !c.updater.UpdateRequested() && c.trans.Connected() {
		if _, err := c.updater.CheckForUpdates(c.conf.OTATargetVersion, c.conf.Chemistry); err != nil {
			c.log.Errorf("Automatic update check failed: %v", err)
		}
	}
	if c.updater.UpdateRequested() {
		// Let the retained-trigger clear reach the broker before the
		// connection drops for the update.
		c.sleepCtx(ctx, c.opts.UpdateDelay)
		if err := c.runUpdate(ctx); err != nil {
			return DecisionStayAwake, err
		}
	}

	return c.sleepDecision(), nil
}

func (c *Controller) readBattery() (battery.Reading, error) {
	volts, err := c.sampler.ReadVoltage()
	reading := battery.Classify(volts, c.conf.Thresholds())
	if err == nil {
		c.log.Infof("Battery %.2fV %s %.0f%% %s",
			reading.Voltage, battery.Bar(reading.Percent), reading.Percent, reading.Status)
		c.state.LastVoltage = reading.Voltage
	}

	c.mu.Lock()
	c.lastReading = reading
	c.haveReading = err == nil
	c.mu.Unlock()
	return reading, err
}

func (c *Controller) connect() {
	if err := c.trans.Connect(c.opts.ConnectTimeout); err != nil {
		c.log.Warnf("Broker unreachable, continuing offline: %v", err)
	}
}

func (c *Controller) publish(reading battery.Reading) {
	tel := mqtt.Telemetry{
		Voltage:     reading.Voltage,
		Percent:     reading.Percent,
		Status:      reading.Status.String(),
		BatteryType: c.conf.Chemistry,
		BootCount:   c.state.BootCount,
		RSSI:        c.rssi(),
	}
	if err := c.trans.PublishTelemetry(tel); err != nil {
		c.log.Errorf("Telemetry publish failed: %v", err)
	}
}

// pollCommands services inbound commands for the poll window. Commands
// only record intent here; updates and resets run after the window so a
// burst of triggers coalesces into one action.
func (c *Controller) pollCommands(ctx context.Context) {
	deadline := time.After(c.opts.PollWindow)
	for {
		select {
		case cmd := <-c.trans.Commands():
			c.handleCommand(cmd)
			// Nothing more useful can arrive once an update or reset is
			// on the books.
			if c.updater.UpdateRequested() || c.resetReq {
				return
			}
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleCommand(cmd mqtt.Command) {
	switch cmd.Kind {
	case mqtt.CmdUpdateTrigger:
		if err := c.updater.RequestUpdate(cmd.Arg); err != nil {
			c.log.Errorf("Recording update request failed: %v", err)
		}
	case mqtt.CmdFactoryReset:
		c.resetReq = true
	}
}

func (c *Controller) runUpdate(ctx context.Context) error {
	if err := c.updater.HandleUpdate(ctx); err != nil {
		c.log.Errorf("Update failed: %v", err)
		return err
	}
	return nil
}

// sleepDecision decides whether this wake ends in deep sleep. The node
// never sleeps with an update still requested, during the grace window
// after a cold boot, while a stay-awake override is active, or when deep
// sleep is disabled in config.
func (c *Controller) sleepDecision() Decision {
	if c.updater.UpdateRequested() {
		c.log.Info("Update still pending, staying awake")
		return DecisionStayAwake
	}
	if !c.conf.DeepSleepEnabled {
		return DecisionStayAwake
	}
	c.mu.Lock()
	stayOn := c.stayOnUntil
	c.mu.Unlock()
	if time.Now().Before(stayOn) {
		return DecisionStayAwake
	}
	if c.cause == retained.WakeCauseCold && time.Since(c.started) < c.opts.FirstBootGrace {
		c.log.Debug("Within first-boot grace window, staying awake")
		return DecisionStayAwake
	}
	return DecisionDeepSleep
}

func (c *Controller) sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
