package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/tendant/simple-wordcounter/internal/job"
	"github.com/tendant/simple-wordcounter/internal/store"
)

const (
	msgInvalidMIME     = "Please make requests using the application/json MIME type"
	msgDependencyError = "Oh dear! Something unexpected occurred..."
	msgInvalidURL      = "You must provide a valid `url` in your POST request JSON"
	msgInvalidJobID    = "You must provide a valid `job_id` in your GET request JSON"
	msgHealthChecked   = "Completed Health Check"
	msgAllOnline       = "All services are online"
	msgSomeOffline     = "At least one service is offline"
)

// envelope wraps every response body.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type createJobRequest struct {
	URL string `json:"url" validate:"required,abs_url"`
}

type getJobRequest struct {
	JobID string `json:"job_id" validate:"required"`
}

type healthData struct {
	Status string `json:"status"`
	Info   string `json:"info"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("abs_url", func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.String && job.ValidURL(fl.Field().String())
	})
	return v
}

func respond(w http.ResponseWriter, r *http.Request, status int, success bool, message string, data any) {
	if data == nil {
		data = struct{}{}
	}
	render.Status(r, status)
	render.JSON(w, r, envelope{Success: success, Message: message, Data: data})
}

func isJSON(r *http.Request) bool {
	return render.GetRequestContentType(r) == render.ContentTypeJSON
}

// decodeJSON reads a JSON object body into v. An empty body or a JSON null
// leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := render.DecodeJSON(r.Body, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := s.queue.Healthy() && s.store.Healthy(r.Context())
	data := healthData{Status: "PASS", Info: msgAllOnline}
	status := http.StatusOK
	if !ok {
		data = healthData{Status: "FAIL", Info: msgSomeOffline}
		status = http.StatusInternalServerError
		s.logger.Warn("health check failed")
	}
	respond(w, r, status, ok, msgHealthChecked, data)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r) {
		respond(w, r, http.StatusBadRequest, false, msgInvalidMIME, nil)
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respond(w, r, http.StatusBadRequest, false, msgInvalidURL, nil)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := s.validate.Struct(req); err != nil {
		respond(w, r, http.StatusBadRequest, false, msgInvalidURL, nil)
		return
	}

	ctx := r.Context()
	created, err := s.store.Create(ctx, req.URL)
	if err != nil {
		s.logger.Error("create job failed", "url", req.URL, "err", err)
		respond(w, r, http.StatusInternalServerError, false, msgDependencyError, nil)
		return
	}

	logger := s.logger.With("job_id", created.ID)
	if err := s.queue.PublishJob(ctx, created.ID); err != nil {
		logger.Error("publish job failed", "err", err)
		// Without a message no worker will ever pick the job up.
		cause := fmt.Sprintf("job could not be scheduled: %v", err)
		if _, ferr := s.store.Fail(context.WithoutCancel(ctx), created.ID, cause); ferr != nil {
			logger.Error("mark unscheduled job failed", "err", ferr)
		}
		respond(w, r, http.StatusInternalServerError, false, msgDependencyError, nil)
		return
	}

	logger.Info("job scheduled", "url", created.URL)
	respond(w, r, http.StatusAccepted, true, "Scheduled Job: "+created.ID, created)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	req := getJobRequest{JobID: r.URL.Query().Get("job_id")}
	if req.JobID == "" {
		if !isJSON(r) {
			respond(w, r, http.StatusBadRequest, false, msgInvalidMIME, nil)
			return
		}
		if err := decodeJSON(r, &req); err != nil {
			respond(w, r, http.StatusBadRequest, false, msgInvalidJobID, nil)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		respond(w, r, http.StatusBadRequest, false, msgInvalidJobID, nil)
		return
	}

	ctx := r.Context()
	logger := s.logger.With("job_id", req.JobID)
	ok, err := s.store.Exists(ctx, req.JobID)
	switch {
	case errors.Is(err, store.ErrMalformedID):
		respond(w, r, http.StatusBadRequest, false, msgInvalidJobID, nil)
		return
	case err != nil:
		logger.Error("check job failed", "err", err)
		respond(w, r, http.StatusInternalServerError, false, msgDependencyError, nil)
		return
	case !ok:
		respond(w, r, http.StatusBadRequest, false, msgInvalidJobID, nil)
		return
	}

	found, err := s.store.Fetch(ctx, req.JobID)
	if errors.Is(err, store.ErrNotFound) {
		respond(w, r, http.StatusBadRequest, false, msgInvalidJobID, nil)
		return
	}
	if err != nil {
		logger.Error("fetch job failed", "err", err)
		respond(w, r, http.StatusInternalServerError, false, msgDependencyError, nil)
		return
	}
	respond(w, r, http.StatusOK, true, "Fetched Job: "+found.ID, found)
}
