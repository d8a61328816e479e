package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/marketsync/internal/indexer"
	"github.com/alanyoungcy/marketsync/internal/watcher"
)

// WatcherStatus is the view of the deposit watcher used by /status.
type WatcherStatus interface {
	Status() watcher.Status
}

// IndexerStatus is the view of the market indexer used by /status.
type IndexerStatus interface {
	Phase() indexer.Phase
	Syncing() bool
	LastReport() indexer.CycleReport
}

// StatusHandler serves the runtime status of whichever components this
// process runs. Either source may be nil.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	watcher   WatcherStatus
	indexer   IndexerStatus
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, w WatcherStatus, ix IndexerStatus) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: time.Now().UTC(), watcher: w, indexer: ix}
}

type indexerView struct {
	Phase      string               `json:"phase"`
	Syncing    bool                 `json:"syncing"`
	LastReport *indexer.CycleReport `json:"last_report,omitempty"`
}

type statusResponse struct {
	Mode      string          `json:"mode"`
	StartedAt time.Time       `json:"started_at"`
	Watcher   *watcher.Status `json:"watcher,omitempty"`
	Indexer   *indexerView    `json:"indexer,omitempty"`
}

// GetStatus responds with the watcher and indexer state.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.mode, StartedAt: h.startedAt}

	if h.watcher != nil {
		st := h.watcher.Status()
		resp.Watcher = &st
	}
	if h.indexer != nil {
		view := &indexerView{
			Phase:   h.indexer.Phase().String(),
			Syncing: h.indexer.Syncing(),
		}
		if rep := h.indexer.LastReport(); !rep.FinishedAt.IsZero() {
			view.LastReport = &rep
		}
		resp.Indexer = view
	}

	writeJSON(w, http.StatusOK, resp)
}
