package server

import (
	"github.com/onnwee/tlc/backend/ingest"
)

const defaultMaxUploadBytes = 64 << 20

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store          Store
	ingester       *ingest.Ingester
	defaultChannel string
	maxUpload      int64
}

// NewHandlers creates a Handlers. A nil ingester gets a default one writing
// to store.
func NewHandlers(store Store, ing *ingest.Ingester, opts Options) *Handlers {
	if ing == nil {
		ing = ingest.New(store)
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &Handlers{
		store:          store,
		ingester:       ing,
		defaultChannel: opts.DefaultChannel,
		maxUpload:      maxUpload,
	}
}
