package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raphi011/relay/internal/model"
)

type MalformedRequestError struct {
	param string
}

func (e MalformedRequestError) Error() string {
	return "malformed request param: " + e.param
}

// StatusHandler serves the status API: a snapshot of the run tree, the
// upload records and the prometheus metrics.
func (a *Agent) StatusHandler() http.Handler {
	router := httprouter.New()

	router.GET("/run", a.GetRun)
	router.GET("/uploads", a.GetUploads)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return router
}

func (a *Agent) startStatusServer() error {
	if a.cfg.Status.Listen == "" {
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.Status.Listen)
	if err != nil {
		return err
	}

	a.statusListener = ln
	a.statusServer = &http.Server{Handler: a.StatusHandler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.statusServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("status api stopped", "error", err)
		}
	}()

	a.log.Info("status api listening", "address", ln.Addr().String())

	return nil
}

// StatusAddr returns the address the status API listens on, or "" if it is
// not running.
func (a *Agent) StatusAddr() string {
	if a.statusListener == nil {
		return ""
	}

	return a.statusListener.Addr().String()
}

func (a *Agent) httpError(w http.ResponseWriter, err error) {
	var notFound model.NotFoundError
	var malformedRequest MalformedRequestError

	if errors.As(err, &notFound) || errors.Is(err, errNoActiveRun) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if errors.As(err, &malformedRequest) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
}

func (a *Agent) GetRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	run, err := a.activeRun()
	if err != nil {
		a.httpError(w, err)
		return
	}

	a.writeJSON(w, run.Info())
}

// GetUploads returns the upload records, optionally filtered by the `state`
// query parameter.
func (a *Agent) GetUploads(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var states []model.UploadState

	if s := r.URL.Query().Get("state"); s != "" {
		state := model.UploadState(s)

		switch state {
		case model.UploadPending, model.UploadUploading, model.UploadUploaded, model.UploadFailed, model.UploadDiscarded:
		default:
			a.httpError(w, MalformedRequestError{param: "state"})
			return
		}

		states = append(states, state)
	}

	records, err := a.store.ListRecords(r.Context(), states...)
	if err != nil {
		a.log.Warn("listing upload records failed", "error", err)
		a.httpError(w, err)
		return
	}

	a.writeJSON(w, records)
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err = w.Write(body); err != nil {
		a.log.Warn("writing response failed", "error", err)
	}
}
