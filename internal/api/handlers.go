package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-sync/internal/appointment"
	"github.com/hackgods/booking-sync/internal/audit"
	"github.com/hackgods/booking-sync/internal/availability"
	"github.com/hackgods/booking-sync/internal/booking"
	"github.com/hackgods/booking-sync/internal/idempotency"
	"github.com/hackgods/booking-sync/internal/patient"
	redisclient "github.com/hackgods/booking-sync/internal/redis"
)

type BookingService interface {
	Book(ctx context.Context, req booking.Request) (*booking.Result, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Sync(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

const maxBodyBytes = 1 << 20

func createAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		key := req.IdempotencyKey
		if key == "" {
			key = r.Header.Get("Idempotency-Key")
		}

		in := booking.Request{
			Patient: patient.Identity{
				Email:       req.Patient.Email,
				FirstName:   req.Patient.FirstName,
				LastName:    req.Patient.LastName,
				DateOfBirth: req.Patient.DateOfBirth,
				Phone:       req.Patient.Phone,
			},
			ProviderID:     req.ProviderID,
			PayerID:        req.PayerID,
			Start:          req.Start,
			End:            req.End,
			IdempotencyKey: key,
			Notes:          req.Notes,
		}
		if req.Enrichment != nil {
			in.Enrichment = booking.Enrichment{
				InsuranceMemberID: req.Enrichment.InsuranceMemberID,
				ReferrerEmail:     req.Enrichment.ReferrerEmail,
				ReferrerPhone:     req.Enrichment.ReferrerPhone,
			}
		}

		res, err := svc.Book(r.Context(), in)
		if err != nil {
			handleBookingError(w, logger, err)
			return
		}

		resp := BookingResponse{
			AppointmentID:         res.Appointment.ID,
			ExternalAppointmentID: res.Appointment.ExternalAppointmentID,
			Status:                string(res.Appointment.Status),
			PatientID:             res.PatientID,
			Replayed:              res.Replayed,
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	}
}

func getAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleBookingError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.Cancel(r.Context(), id)
		if err != nil {
			handleBookingError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// reconcileAppointmentHandler re-drives the external sync of one
// appointment. A failed sync still answers with the recorded state.
func reconcileAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.Sync(r.Context(), id)
		if err != nil && (appt == nil || errors.Is(err, redisclient.ErrLockNotAcquired)) {
			handleBookingError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func auditHandler(q AuditQuerier, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		var f audit.Filter

		if v := query.Get("appointment_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
				return
			}
			f.AppointmentID = &id
		}
		if v := query.Get("patient_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			f.PatientID = &id
		}
		f.Action = audit.Action(strings.TrimSpace(query.Get("action")))
		f.Status = audit.Status(strings.TrimSpace(query.Get("status")))
		if v := query.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			f.Limit = n
		}

		entries, err := q.Query(r.Context(), f)
		if err != nil {
			if errors.Is(err, audit.ErrEmptyFilter) {
				writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
				return
			}
			logger.Error("audit query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "audit query failed")
			return
		}

		out := make([]AuditEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, toAuditResponse(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleBookingError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var verr *booking.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
	case errors.Is(err, patient.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "invalid_patient", err.Error())
	case errors.Is(err, availability.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, availability.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, availability.ErrSlotBooked):
		writeError(w, http.StatusConflict, "slot_booked", err.Error())
	case errors.Is(err, idempotency.ErrKeyConflict):
		writeError(w, http.StatusUnprocessableEntity, "idempotency_key_conflict", err.Error())
	case errors.Is(err, appointment.ErrDuplicateKey):
		writeError(w, http.StatusConflict, "request_in_progress", "a request with this idempotency key is still being processed")
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "busy", "another request is working on this record, please retry shortly")
	default:
		logger.Error("request failed", zap.String("error", audit.ScrubText(err.Error())))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
