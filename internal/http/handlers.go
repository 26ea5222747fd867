package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"

	"visualdiff/internal/core"
	"visualdiff/internal/schemas"
)

func badRequest(msg string, opts ...goerr.Option) error {
	return goerr.New(msg, append(opts, goerr.T(core.TagValidation))...)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return goerr.Wrap(err, "invalid JSON body", goerr.T(core.TagValidation))
	}
	return nil
}

func releaseKey(r *http.Request) (core.ReleaseKey, error) {
	raw := chi.URLParam(r, "number")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return core.ReleaseKey{}, badRequest("number must be an integer", goerr.V("number", raw))
	}
	return core.ReleaseKey{
		BuildID: chi.URLParam(r, "build_id"),
		Name:    chi.URLParam(r, "name"),
		Number:  n,
	}, nil
}

// handle decodes a JSON body into In, calls op and writes its result.
func handle[In, Out any](s *Server, op func(r *http.Request, in In) (Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in In
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := op(r, in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) createBuild(w http.ResponseWriter, r *http.Request) {
	handle(s, func(r *http.Request, in core.CreateBuildInput) (any, error) {
		return s.svc.CreateBuild(r.Context(), in)
	})(w, r)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) createRelease(w http.ResponseWriter, r *http.Request) {
	handle(s, func(r *http.Request, in core.CreateReleaseInput) (any, error) {
		return s.svc.CreateRelease(r.Context(), in)
	})(w, r)
}

func (s *Server) getRelease(w http.ResponseWriter, r *http.Request) {
	key, err := releaseKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rel, err := s.svc.GetRelease(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	key, err := releaseKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rel, err := s.svc.GetRelease(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.svc.ListRuns(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.ReleaseRuns{Release: rel, Runs: runs})
}

func (s *Server) runsDone(w http.ResponseWriter, r *http.Request) {
	handle(s, func(r *http.Request, in core.ReleaseKey) (any, error) {
		return s.svc.MarkRunsComplete(r.Context(), in)
	})(w, r)
}

func (s *Server) releaseDone(w http.ResponseWriter, r *http.Request) {
	handle(s, func(r *http.Request, in core.FinalizeReleaseInput) (any, error) {
		return s.svc.FinalizeRelease(r.Context(), in)
	})(w, r)
}

func (s *Server) reportRun(w http.ResponseWriter, r *http.Request) {
	handle(s, func(r *http.Request, in core.ReportRunInput) (any, error) {
		run, err := s.svc.ReportRun(r.Context(), in)
		if err != nil {
			return nil, err
		}
		return schemas.ReportedRun{ReleaseKey: in.ReleaseKey, Run: run}, nil
	})(w, r)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) reportPDiff(w http.ResponseWriter, r *http.Request) {
	handle(s, func(r *http.Request, in core.ReportDiffInput) (any, error) {
		return s.svc.ReportDiff(r.Context(), in)
	})(w, r)
}

func (s *Server) redrive(w http.ResponseWriter, r *http.Request) {
	var in schemas.RedriveRequest
	if r.ContentLength != 0 {
		if err := decode(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	n, err := s.svc.RequeuePendingDiffs(r.Context(), in.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.RedriveResponse{Enqueued: n})
}

// upload accepts a multipart form carrying exactly one file.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, goerr.Wrap(err, "invalid multipart upload", goerr.T(core.TagValidation)))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var count int
	for _, files := range r.MultipartForm.File {
		count += len(files)
	}
	if count != 1 {
		s.writeError(w, r, badRequest("need exactly one uploaded file", goerr.V("files", count)))
		return
	}

	var name string
	var data []byte
	for _, files := range r.MultipartForm.File {
		fh := files[0]
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, r, goerr.Wrap(err, "failed to open upload", goerr.T(core.TagValidation)))
			return
		}
		data, err = io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			s.writeError(w, r, goerr.Wrap(err, "failed to read upload", goerr.T(core.TagValidation)))
			return
		}
		name = fh.Filename
	}

	a, err := s.svc.UploadArtifact(r.Context(), name, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	a, data, err := s.svc.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"`+a.ID+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, schemas.HealthStatus{Status: "db error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schemas.HealthStatus{Status: "ok"})
}
