package handler

import (
	"encoding/json"
	"net/http"
)

// Routes are the handlers mounted by NewRouter. Nil handlers are not mounted.
type Routes struct {
	Status  http.Handler
	TopUp   http.Handler
	Events  http.Handler
	Metrics http.Handler

	// ActiveSessions is reported by /healthz when set.
	ActiveSessions func() int
}

func NewRouter(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()
	if routes.Status != nil {
		mux.Handle("/call-status", routes.Status)
	}
	if routes.TopUp != nil {
		mux.Handle("/topup", routes.TopUp)
		mux.Handle("GET /balance/{account}", routes.TopUp)
	}
	if routes.Events != nil {
		mux.Handle("GET /events", routes.Events)
	}
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if routes.ActiveSessions != nil {
			body["activeSessions"] = routes.ActiveSessions()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
