package ota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltlog/battery-node/internal/nvstore"
)

type testRig struct {
	store   *nvstore.Store
	conf    Config
	reboots int
}

func newTestRig(t *testing.T) *testRig {
	dir := t.TempDir()
	store, err := nvstore.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conf := DefaultConfig()
	conf.StagingPath = filepath.Join(dir, "firmware-staged.bin")
	conf.ListenWindow = 200 * time.Millisecond
	conf.ListenAddr = "127.0.0.1:18266"
	return &testRig{store: store, conf: conf}
}

func (r *testRig) orchestrator(version string) *Orchestrator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(log, r.store, version, r.conf, func() error {
		r.reboots++
		return nil
	})
}

func TestIntentSurvivesReboot(t *testing.T) {
	rig := newTestRig(t)

	o := rig.orchestrator("1.0.0")
	require.NoError(t, o.RequestUpdate("v1.0.2/firmware-leadacid.bin"))
	assert.True(t, o.UpdateRequested())

	// Crash-simulate: a fresh orchestrator over the same store stands in
	// for the next boot.
	o2 := rig.orchestrator("1.0.0")
	assert.False(t, o2.UpdateRequested())
	assert.True(t, o2.CheckPendingIntent())
	assert.True(t, o2.UpdateRequested())
	assert.Equal(t, "v1.0.2/firmware-leadacid.bin", o2.filename)
}

func TestNewIntentOverwritesPrevious(t *testing.T) {
	rig := newTestRig(t)

	o := rig.orchestrator("1.0.0")
	require.NoError(t, o.RequestUpdate("v1.0.1/firmware-leadacid.bin"))
	require.NoError(t, o.RequestUpdate("v1.0.2/firmware-leadacid.bin"))

	o2 := rig.orchestrator("1.0.0")
	require.True(t, o2.CheckPendingIntent())
	assert.Equal(t, "v1.0.2/firmware-leadacid.bin", o2.filename)
}

func TestIntentClearedBeforeRiskyAction(t *testing.T) {
	rig := newTestRig(t)
	// Downloads from an unreachable base fail after the intent is cleared.
	rig.conf.BaseURL = "http://127.0.0.1:1/nowhere/"
	rig.conf.DownloadTimeout = time.Second

	o := rig.orchestrator("1.0.0")
	require.NoError(t, o.RequestUpdate("v1.0.2/firmware-leadacid.bin"))
	require.NoError(t, o.HandleUpdate(context.Background()))

	// HandleUpdate began, so a crash at any later point must not
	// re-trigger the update on the next boot.
	o2 := rig.orchestrator("1.0.0")
	assert.False(t, o2.CheckPendingIntent())

	// The failed attempt is over: no reboot and no lingering request.
	assert.Equal(t, 0, rig.reboots)
	assert.False(t, o.UpdateRequested())
}

func TestSuccessfulDownloadStagesAndReboots(t *testing.T) {
	rig := newTestRig(t)

	image := []byte("new firmware image bytes")
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		// Artifact hosts redirect to the real download location.
		if !strings.HasPrefix(r.URL.Path, "/real/") {
			http.Redirect(w, r, "/real"+r.URL.Path, http.StatusFound)
			return
		}
		w.Write(image)
	}))
	defer srv.Close()
	rig.conf.BaseURL = srv.URL + "/"

	o := rig.orchestrator("1.0.0")
	require.NoError(t, o.RequestUpdate("v1.0.2/firmware-leadacid.bin"))
	require.NoError(t, o.HandleUpdate(context.Background()))

	assert.Equal(t, 1, rig.reboots)
	assert.Equal(t, "/real/v1.0.2/firmware-leadacid.bin", gotPath)
	staged, err := os.ReadFile(rig.conf.StagingPath)
	require.NoError(t, err)
	assert.Equal(t, image, staged)
}

func TestEmptyImageRejected(t *testing.T) {
	rig := newTestRig(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	rig.conf.BaseURL = srv.URL + "/"

	o := rig.orchestrator("1.0.0")
	require.NoError(t, o.RequestUpdate("v1.0.2/firmware-leadacid.bin"))
	require.NoError(t, o.HandleUpdate(context.Background()))

	assert.Equal(t, 0, rig.reboots)
	_, err := os.Stat(rig.conf.StagingPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCheckForUpdates(t *testing.T) {
	rig := newTestRig(t)
	o := rig.orchestrator("1.0.0")

	triggered, err := o.CheckForUpdates("1.0.2", "lead-acid")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.True(t, o.UpdateRequested())
	assert.Equal(t, "v1.0.2/firmware-leadacid.bin", o.filename)

	// Same or older target does nothing.
	o2 := rig.orchestrator("1.0.2")
	triggered, err = o2.CheckForUpdates("1.0.2", "lead-acid")
	require.NoError(t, err)
	assert.False(t, triggered)

	// Garbage target is logged and skipped, never fatal.
	triggered, err = o2.CheckForUpdates("latest", "lead-acid")
	require.NoError(t, err)
	assert.False(t, triggered)

	// No target configured.
	triggered, err = o2.CheckForUpdates("", "lead-acid")
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestUploadWindowTimesOut(t *testing.T) {
	rig := newTestRig(t)
	o := rig.orchestrator("1.0.0")

	require.NoError(t, o.RequestUpdate(""))
	start := time.Now()
	require.NoError(t, o.HandleUpdate(context.Background()))

	assert.Equal(t, 0, rig.reboots)
	assert.False(t, o.UpdateRequested())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestUploadWindowAcceptsImage(t *testing.T) {
	rig := newTestRig(t)
	rig.conf.ListenWindow = 5 * time.Second
	o := rig.orchestrator("1.0.0")

	require.NoError(t, o.RequestUpdate(""))

	done := make(chan error, 1)
	go func() {
		done <- o.HandleUpdate(context.Background())
	}()

	// Give the listener a moment to bind, then push an image.
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		time.Sleep(50 * time.Millisecond)
		resp, err = http.Post("http://"+rig.conf.ListenAddr+"/update", "application/octet-stream",
			strings.NewReader("uploaded image"))
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, <-done)
	assert.Equal(t, 1, rig.reboots)
	staged, err := os.ReadFile(rig.conf.StagingPath)
	require.NoError(t, err)
	assert.Equal(t, "uploaded image", string(staged))
}
