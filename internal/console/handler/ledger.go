package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/a2a-coord/internal/console/service"
	"github.com/xela07ax/a2a-coord/internal/domain"
)

type LedgerHandler struct {
	service *service.LedgerService
}

func NewLedgerHandler(s *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{service: s}
}

// GetEntries возвращает записи журнала с поддержкой фильтрации.
// GET /api/ledger?source=...&event_type=...&from=...&to=...&from_seq=...&limit=...
func (h *LedgerHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := h.service.FetchEntries(r.Context(), filter)
	if err != nil {
		http.Error(w, "Failed to fetch ledger entries", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// Verify запускает полную сверку архивной цепочки.
// GET /api/ledger/verify
func (h *LedgerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyArchive(r.Context())
	if err != nil {
		http.Error(w, "Verification failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if !report.OK {
		// Битая цепочка - не ошибка запроса, но статус подсвечивает беду
		code = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

func parseAuditFilter(r *http.Request) (domain.AuditFilter, error) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		Source:    q.Get("source"),
		EventType: q.Get("event_type"),
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.To = t
	}
	if raw := q.Get("from_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, err
		}
		filter.FromSeq = n
	}
	if raw := q.Get("to_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, err
		}
		filter.ToSeq = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}

	return filter, nil
}
