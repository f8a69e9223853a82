// Package httpapi wires the JSON HTTP surface described in module
// EXTERNAL INTERFACES: project/catalog/module reads, the ingest and
// submission controllers, and a liveness probe.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/bayesengine/bayes-engine/bayeserr"
	"github.com/bayesengine/bayes-engine/blobstore"
	"github.com/bayesengine/bayes-engine/ingest"
	"github.com/bayesengine/bayes-engine/store"
	"github.com/bayesengine/bayes-engine/submission"
)

// Server implements the REST API in front of C2, C4, and C5.
type Server struct {
	Repo       store.Repository
	Blobs      blobstore.BlobStore
	Ingest     *ingest.Controller
	Submission *submission.Controller
	Log        *logrus.Entry

	Handler http.Handler
}

func New(repo store.Repository, blobs blobstore.BlobStore, in *ingest.Controller, sub *submission.Controller, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{Repo: repo, Blobs: blobs, Ingest: in, Submission: sub, Log: log.WithField("component", "httpapi")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/projects", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{owner}/{name}", s.handleProjectDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/projects/{owner}/{name}/latest-catalog", s.handleLatestCatalog).Methods(http.MethodGet)
	r.HandleFunc("/api/modules/{id}/blob", s.handleModuleBlob).Methods(http.MethodGet)
	r.HandleFunc("/api/modules/{id}/hll-state", s.handleModuleHLLState).Methods(http.MethodGet)
	r.HandleFunc("/api/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/submissions", s.handleSubmissions).Methods(http.MethodPost)
	s.Handler = r

	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := bayeserr.KindOf(err)
	status := statusForKind(kind)
	if status >= 500 {
		s.Log.WithError(err).Error("request failed")
	} else {
		s.Log.WithError(err).Warn("request rejected")
	}
	s.writeJSON(w, status, apiError{OK: false, Code: bayeserr.CodeOf(err), Error: err.Error()})
}

type apiError struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func statusForKind(kind bayeserr.Kind) int {
	switch kind {
	case bayeserr.KindAuthentication:
		return http.StatusUnauthorized
	case bayeserr.KindValidation:
		return http.StatusBadRequest
	case bayeserr.KindIntegrity:
		return http.StatusConflict
	case bayeserr.KindTransient:
		return http.StatusServiceUnavailable
	case bayeserr.KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
