// Package ota decides whether a firmware update is pending or needed,
// persists update intent so it survives deep sleep and crashes, performs
// the update, and signals the reboot into new firmware.
//
// Crash safety is all in the write ordering: intent is persisted durably
// the moment an update is requested (the requesting context may be about to
// lose power), and cleared durably again before the risky download or
// listen window starts, so a crash mid-update can never loop the device.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voltlog/battery-node/internal/nvstore"
)

const (
	bucket      = "ota"
	keyPending  = "pending"
	keyFilename = "filename"
)

// Config holds the orchestrator's fixed parameters.
type Config struct {
	BaseURL         string        // artifact base location, filename is appended
	StagingPath     string        // where a downloaded/uploaded image is placed for the updater
	ListenAddr      string        // upload listener bind address for generic OTA mode
	ListenWindow    time.Duration // how long to wait for a network upload
	DownloadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://updates.voltlog.io/battery-node/",
		StagingPath:     "/var/lib/battery-node/firmware-staged.bin",
		ListenAddr:      ":8266",
		ListenWindow:    60 * time.Second,
		DownloadTimeout: 2 * time.Minute,
	}
}

// Orchestrator is the OTA state machine. It is driven from the single
// wake-cycle context; RequestUpdate is additionally safe to call from the
// transport's message context because it only writes intent.
type Orchestrator struct {
	log     *logrus.Logger
	store   *nvstore.Store
	conf    Config
	version string
	reboot  func() error
	client  *http.Client

	requested bool
	filename  string
}

func New(log *logrus.Logger, store *nvstore.Store, currentVersion string, conf Config, reboot func() error) *Orchestrator {
	return &Orchestrator{
		log:     log,
		store:   store,
		conf:    conf,
		version: currentVersion,
		reboot:  reboot,
		// The default client follows redirects, which release hosts
		// depend on.
		client: &http.Client{Timeout: conf.DownloadTimeout},
	}
}

// RequestUpdate durably records update intent and flags the update for the
// current wake. An empty filename selects the generic network-upload mode.
// The update itself happens later in HandleUpdate; this must stay cheap
// because the caller may be interrupted by imminent deep sleep.
func (o *Orchestrator) RequestUpdate(filename string) error {
	err := o.store.PutAll(bucket, map[string]string{
		keyPending:  "true",
		keyFilename: filename,
	})
	if err != nil {
		return fmt.Errorf("persisting update intent: %w", err)
	}
	o.requested = true
	o.filename = filename
	if filename == "" {
		o.log.Info("Update requested (network upload mode)")
	} else {
		o.log.Infof("Update requested: %s", filename)
	}
	return nil
}

// UpdateRequested reports whether an update is flagged for this wake.
func (o *Orchestrator) UpdateRequested() bool {
	return o.requested
}

// CheckPendingIntent recovers persisted intent on boot: a trigger that
// arrived on a previous wake but was interrupted by sleep or a crash
// before HandleUpdate ran.
func (o *Orchestrator) CheckPendingIntent() bool {
	if !o.store.GetBool(bucket, keyPending, false) {
		return false
	}
	o.filename = o.store.GetString(bucket, keyFilename, "")
	o.requested = true
	o.log.Infof("Recovered pending update intent from previous boot (filename: %q)", o.filename)
	return true
}

func (o *Orchestrator) clearIntent() error {
	return o.store.PutAll(bucket, map[string]string{
		keyPending:  "false",
		keyFilename: "",
	})
}

// CheckForUpdates compares the operator-set target version against the
// running firmware and requests an update when the target is newer. A
// malformed version is logged and ignored. The durable target version is
// deliberately left in place on failure, so an unapplied target is retried
// on every wake until it succeeds or the operator clears it.
func (o *Orchestrator) CheckForUpdates(targetVersion, chemistry string) (bool, error) {
	if targetVersion == "" {
		o.log.Debug("No target version configured, skipping update check")
		return false, nil
	}
	newer, err := IsNewerVersion(targetVersion, o.version)
	if err != nil {
		o.log.Warnf("Update check skipped: %v", err)
		return false, nil
	}
	if !newer {
		o.log.Debugf("Firmware %s is up to date (target %s)", o.version, targetVersion)
		return false, nil
	}

	artifact := ArtifactName(targetVersion, chemistry)
	o.log.Infof("New firmware available: %s -> %s (%s)", o.version, targetVersion, artifact)
	if err := o.RequestUpdate(artifact); err != nil {
		return false, err
	}
	return true, nil
}

// HandleUpdate performs the requested update. It either does not return
// (the reboot callback restarts the process into new firmware) or returns
// with the request fully cleared. Failures are final for this attempt: the
// device resumes normal operation and an operator trigger (or the standing
// target version) is needed to retry.
func (o *Orchestrator) HandleUpdate(ctx context.Context) error {
	if !o.requested {
		return nil
	}
	filename := o.filename
	o.requested = false
	o.filename = ""

	// Clear the durable intent before doing anything risky so a crash
	// during the update cannot re-trigger it forever.
	if err := o.clearIntent(); err != nil {
		return fmt.Errorf("clearing update intent: %w", err)
	}

	if filename != "" {
		if err := o.downloadArtifact(ctx, filename); err != nil {
			o.log.Errorf("Update download failed, resuming normal operation: %v", err)
			return nil
		}
		o.log.Info("Update staged, rebooting into new firmware")
		return o.reboot()
	}

	// Generic mode: wait a bounded window for a network upload.
	o.log.Infof("Waiting %s for a firmware upload on %s", o.conf.ListenWindow, o.conf.ListenAddr)
	received, err := o.serveUploadWindow(ctx)
	if err != nil {
		o.log.Errorf("Upload listener failed: %v", err)
		return nil
	}
	if !received {
		o.log.Info("Upload window elapsed with no upload, resuming normal operation")
		return nil
	}
	o.log.Info("Uploaded firmware staged, rebooting")
	return o.reboot()
}

func (o *Orchestrator) downloadArtifact(ctx context.Context, filename string) error {
	url := o.conf.BaseURL + filename
	o.log.Infof("Downloading firmware from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return o.stageArtifact(resp.Body)
}

// stageArtifact writes the image next to the staging path and renames it
// into place so a partial download is never visible as a staged image.
func (o *Orchestrator) stageArtifact(r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(o.conf.StagingPath), 0755); err != nil {
		return err
	}
	tmp := o.conf.StagingPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if n == 0 {
		os.Remove(tmp)
		return errors.New("empty firmware image")
	}
	return os.Rename(tmp, o.conf.StagingPath)
}
