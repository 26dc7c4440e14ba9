package http

import (
	"encoding/json"
	"net/http"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ConfigResponse is the JSON response from the /config endpoint.
type ConfigResponse struct {
	DefaultEnvironment map[string]string `json:"defaultEnvironment"`
	DefaultCommand     string            `json:"defaultCommand"`
	DefaultArgs        string            `json:"defaultArgs"`
}

// HealthHandler returns a handler that always reports ok while the process
// is serving.
func HealthHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version})
	})
}

// ConfigHandler returns a handler describing the backend defaults a client
// can rely on when it omits command, args or env.
func ConfigHandler(defaults BackendDefaults, env func() map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ConfigResponse{
			DefaultEnvironment: map[string]string{},
			DefaultCommand:     defaults.Command,
			DefaultArgs:        defaults.Args,
		}
		if env != nil {
			resp.DefaultEnvironment = env()
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
