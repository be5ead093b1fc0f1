package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"class-mirror-backend/internal/reconcile"
	"class-mirror-backend/internal/store"
)

// LoopControl is the part of the reconciliation loop the API exposes.
type LoopControl interface {
	Status() reconcile.Status
	Trigger() error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	loop    LoopControl
	webpush *webpush.Options
}

// NewHandler creates a new API handler. loop may be nil when the API runs
// without a reconciliation loop.
func NewHandler(s store.Store, loop LoopControl, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:   s,
		loop:    loop,
		webpush: webpushOptions,
	}
}
