// Command upstream-sim is a stand-in backend for exercising the gateway
// locally. It answers /health and echoes everything else back as JSON, so
// one binary can impersonate the workflow, AI-routing, and model-training
// services on different ports.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
)

var (
	port = flag.Int("port", 9101, "HTTP server port")
	name = flag.String("name", "workflow-engine", "service name reported in responses")
)

func main() {
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": *name,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service": *name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"subject": r.Header.Get("X-Gateway-Subject"),
			"body":    string(body),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("upstream-sim %q listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
