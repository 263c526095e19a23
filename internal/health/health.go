package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/store"
)

type Status struct {
	OK      bool         `json:"ok"`
	Message string       `json:"message,omitempty"`
	Store   bool         `json:"store"`
	Network string       `json:"network,omitempty"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// Source gathers what /healthz reports. Any field may be nil.
type Source struct {
	Store   store.Pinger
	Network interface{ Current() network.State }
	Queue   interface{ Stats() queue.Stats }
}

// HTTPHandler returns an HTTP handler that reports the health status of the service.
// Being offline is not unhealthy; only an unreachable store is.
func HTTPHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Store: true}

		if src.Network != nil {
			st.Network = src.Network.Current().String()
		}
		if src.Queue != nil {
			s := src.Queue.Stats()
			st.Queue = &s
		}

		w.Header().Set("Content-Type", "application/json")
		if src.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := src.Store.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "store ping failed"
				st.Store = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
