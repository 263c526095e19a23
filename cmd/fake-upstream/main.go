package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/austindbirch/harbor_sync/internal/auth"
)

// upstream is an in-memory stand-in for the real server the gateway syncs to.
// Writes carrying an Idempotency-Key are applied once; replays get the
// original answer back.
type upstream struct {
	failFirstN int

	mu       sync.Mutex
	reqCount int
	nextID   int
	data     map[string][]byte
	seen     map[string]response
}

type response struct {
	code int
	body []byte
}

func newUpstream(failFirstN int) *upstream {
	return &upstream{
		failFirstN: failFirstN,
		data:       make(map[string][]byte),
		seen:       make(map[string]response),
	}
}

func main() {
	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}

	u := newUpstream(failFirstN)
	var handler http.Handler = u.routes()
	if secret := os.Getenv("UPSTREAM_JWT_SECRET"); secret != "" {
		v := auth.NewValidator(secret, getEnv("UPSTREAM_JWT_ISSUER", "harborsync"), getEnv("UPSTREAM_JWT_AUDIENCE", "harborsync-upstream"))
		handler = v.HTTPMiddleware(handler)
	}

	addr := getEnv("ADDR", ":8081")
	log.Printf("fake-upstream listening on %s (fail first %d)", addr, failFirstN)
	log.Fatal(http.ListenAndServe(addr, handler))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (u *upstream) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/", u.handle)
	return mux
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.reqCount++

	// Simulate flakiness: first N requests -> 500
	if u.reqCount <= u.failFirstN {
		log.Printf("FAILING (%d/%d) %s %s", u.reqCount, u.failFirstN, r.Method, r.URL.Path)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/reject/") {
		log.Printf("REJECTING %s %s", r.Method, r.URL.Path)
		http.Error(w, "rejected by upstream", http.StatusUnprocessableEntity)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && r.Method != http.MethodGet {
		if prev, ok := u.seen[key]; ok {
			log.Printf("REPLAY %s %s key=%s", r.Method, r.URL.Path, key)
			writeBody(w, prev.code, prev.body)
			return
		}
	}

	resp := u.apply(r.Method, r.URL.Path, b)
	if key != "" && r.Method != http.MethodGet && resp.code < 300 {
		u.seen[key] = resp
	}
	log.Printf("fake-upstream %d %s %s key=%s body=%q", resp.code, r.Method, r.URL.Path, key, truncate(string(b), 160))
	writeBody(w, resp.code, resp.body)
}

// apply runs one request against the store; u.mu must be held
func (u *upstream) apply(method, path string, body []byte) response {
	switch method {
	case http.MethodGet:
		v, ok := u.data[path]
		if !ok {
			return response{http.StatusNotFound, []byte(`{"error":"not found"}`)}
		}
		return response{http.StatusOK, v}
	case http.MethodPost:
		u.nextID++
		id := fmt.Sprintf("srv-%d", u.nextID)
		doc := map[string]any{}
		_ = json.Unmarshal(body, &doc)
		doc["id"] = id
		out, _ := json.Marshal(doc)
		u.data[path+"/"+id] = out
		return response{http.StatusCreated, out}
	case http.MethodPut:
		u.data[path] = append([]byte(nil), body...)
		return response{http.StatusOK, body}
	case http.MethodDelete:
		delete(u.data, path)
		return response{http.StatusNoContent, nil}
	}
	return response{http.StatusMethodNotAllowed, nil}
}

func writeBody(w http.ResponseWriter, code int, body []byte) {
	if len(body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
