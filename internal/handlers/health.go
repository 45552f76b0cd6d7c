package handlers

import "net/http"

const welcomeMessage = "Ollama relay is running. POST /generate to stream a completion, GET /api/tags?base_url=<address> to list models."

// Root handles GET /.
func Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"message": welcomeMessage})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}
