package health

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/emergent-company/vectorizer/domain/vectorizer"
	"github.com/emergent-company/vectorizer/pkg/apperror"
)

// StatusHandler serves vectorizer status and error records.
type StatusHandler struct {
	db      bun.IDB
	catalog *vectorizer.Catalog
	errs    *vectorizer.ErrorStore
}

func NewStatusHandler(db bun.IDB, catalog *vectorizer.Catalog, errs *vectorizer.ErrorStore) *StatusHandler {
	return &StatusHandler{db: db, catalog: catalog, errs: errs}
}

// VectorizerStatus is one row of the status listing.
type VectorizerStatus struct {
	ID           int        `json:"id"`
	SourceTable  string     `json:"source_table"`
	TargetTable  string     `json:"target_table"`
	Disabled     bool       `json:"disabled"`
	PendingItems int64      `json:"pending_items"`
	SuccessCount int64      `json:"success_count"`
	ErrorCount   int64      `json:"error_count"`
	LastSuccess  *time.Time `json:"last_success_at,omitempty"`
	LastError    *time.Time `json:"last_error_at,omitempty"`
}

// List returns every enabled vectorizer with queue depth and progress.
func (h *StatusHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	ids, err := h.catalog.List(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	progress := map[int]vectorizer.WorkerProgress{}
	var rows []vectorizer.WorkerProgress
	if err := h.db.NewSelect().Model(&rows).Scan(ctx); err == nil {
		for _, p := range rows {
			progress[p.VectorizerID] = p
		}
	}

	out := make([]VectorizerStatus, 0, len(ids))
	for _, id := range ids {
		v, err := h.catalog.Get(ctx, id)
		if err != nil {
			continue
		}
		pending, _ := h.catalog.PendingItems(ctx, v, false)

		st := VectorizerStatus{
			ID:           v.ID,
			SourceTable:  v.SourceSchema + "." + v.SourceTable,
			TargetTable:  v.TargetSchema + "." + v.TargetTable,
			Disabled:     v.Disabled,
			PendingItems: pending,
		}
		if p, ok := progress[v.ID]; ok {
			st.SuccessCount = p.SuccessCount
			st.ErrorCount = p.ErrorCount
			if !p.LastSuccessAt.IsZero() {
				t := p.LastSuccessAt
				st.LastSuccess = &t
			}
			if !p.LastErrorAt.IsZero() {
				t := p.LastErrorAt
				st.LastError = &t
			}
		}
		out = append(out, st)
	}

	return c.JSON(http.StatusOK, out)
}

// Errors returns the newest persisted error records for one vectorizer.
func (h *StatusHandler) Errors(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return apperror.NewBadRequest("vectorizer id must be an integer")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	records, err := h.errs.Recent(c.Request().Context(), id, limit)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusOK, records)
}
