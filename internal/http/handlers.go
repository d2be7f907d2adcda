package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"cadenza/internal/core"
	"cadenza/internal/log"
)

type deleteResponse struct {
	Deleted          string `json:"deleted"`
	DeletedInstances int64  `json:"deleted_instances"`
}

type payResponse struct {
	Paid core.Record  `json:"paid"`
	Next *core.Record `json:"next,omitempty"`
}

type reconcileResponse struct {
	Status     string `json:"status"`
	UserID     string `json:"user_id"`
	Templates  int    `json:"templates,omitempty"`
	Created    int    `json:"created"`
	Failed     int    `json:"failed"`
	Overdue    int64  `json:"overdue"`
	DurationMs int64  `json:"duration_ms"`
}

func pathUser(r *http.Request) (string, error) {
	userID := strings.TrimSpace(mux.Vars(r)["userID"])
	if userID == "" || len(userID) > 128 {
		return "", core.ErrEmptyUser
	}
	return userID, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Health check failed", log.FieldError, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	var req timezoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}

	user, err := s.deps.Records.SetTimezone(r.Context(), userID, strings.TrimSpace(req.Timezone))
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}

	// "today" may have moved for this user
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishReconcileRequest(r.Context(), userID, "timezone changed"); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Failed to queue reconcile after timezone change",
				log.FieldUserID, userID,
				log.FieldError, err)
		}
	}

	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, log.OpList, err)
		return
	}
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, r, log.OpList, err)
		return
	}

	records, err := s.deps.Records.List(r.Context(), userID, filter)
	if err != nil {
		writeError(w, r, log.OpList, err)
		return
	}
	if records == nil {
		records = []core.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.readRecord(w, r, log.OpCreate)
	if !ok {
		return
	}

	res, err := s.deps.Records.Create(r.Context(), rec)
	if err != nil {
		writeError(w, r, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}

	rec, err := s.deps.Records.Get(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.readRecord(w, r, log.OpUpdate)
	if !ok {
		return
	}
	rec.ID = mux.Vars(r)["id"]

	res, err := s.deps.Records.Update(r.Context(), rec)
	if err != nil {
		writeError(w, r, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	id := mux.Vars(r)["id"]

	n, err := s.deps.Records.Delete(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, log.OpDelete, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: id, DeletedInstances: n})
}

func (s *Server) handlePayBill(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, log.OpPay, err)
		return
	}

	res, err := s.deps.Records.MarkPaid(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, log.OpPay, err)
		return
	}
	writeJSON(w, http.StatusOK, payResponse{Paid: res.Updated, Next: res.Next})
}

// handleReconcile queues a reconcile request for the worker, or runs it
// in-process when no queue is configured or publishing fails.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, log.OpReconcile, err)
		return
	}

	if s.deps.Publisher != nil {
		err := s.deps.Publisher.PublishReconcileRequest(r.Context(), userID, "requested via API")
		if err == nil {
			writeJSON(w, http.StatusAccepted, reconcileResponse{Status: "queued", UserID: userID})
			return
		}
		log.FromContext(r.Context()).WarnContext(r.Context(), "Failed to queue reconcile request, running inline",
			log.FieldUserID, userID,
			log.FieldError, err)
	}

	if s.deps.Reconciler == nil {
		writeError(w, r, log.OpReconcile, errors.New("reconciliation is not configured"))
		return
	}

	report, err := s.deps.Reconciler.ReconcileUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, log.OpReconcile, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Status:     "done",
		UserID:     userID,
		Templates:  report.Templates,
		Created:    report.Created,
		Failed:     report.Failed,
		Overdue:    report.Overdue,
		DurationMs: report.Duration.Milliseconds(),
	})
}

func (s *Server) readRecord(w http.ResponseWriter, r *http.Request, op string) (core.Record, bool) {
	userID, err := pathUser(r)
	if err != nil {
		writeError(w, r, op, err)
		return core.Record{}, false
	}
	var req recordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, op, err)
		return core.Record{}, false
	}
	rec, err := req.toRecord(userID)
	if err != nil {
		writeError(w, r, op, err)
		return core.Record{}, false
	}
	return rec, true
}
