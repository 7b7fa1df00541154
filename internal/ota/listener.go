package ota

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// serveUploadWindow runs the passive update mode: an HTTP listener that
// accepts one firmware image at POST/PUT /update, for at most
// conf.ListenWindow. Returns whether an image was staged. The window is
// ended only by an upload or the timeout, never by an external signal.
func (o *Orchestrator) serveUploadWindow(ctx context.Context) (bool, error) {
	var (
		once     sync.Once
		received = make(chan struct{})
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			http.Error(w, "POST or PUT a firmware image", http.StatusMethodNotAllowed)
			return
		}
		if err := o.stageArtifact(r.Body); err != nil {
			o.log.Errorf("Rejected firmware upload: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, "firmware staged, device rebooting\n")
		once.Do(func() { close(received) })
	})

	srv := &http.Server{
		Addr:        o.conf.ListenAddr,
		Handler:     mux,
		ReadTimeout: o.conf.ListenWindow,
	}

	errc := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	got := false
	select {
	case <-received:
		got = true
	case err := <-errc:
		return false, err
	case <-time.After(o.conf.ListenWindow):
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return got, nil
}
