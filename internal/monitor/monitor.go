// Package monitor implements the server's optional debug HTTP endpoint:
// golang.org/x/net/trace's request/event trace pages, plus a plaintext
// /debug/queue dump, for operators diagnosing a running instance.
package monitor

import (
	"fmt"
	"net/http"

	"blitiri.com.ar/go/log"

	"mailrelay/internal/config"

	// Importing golang.org/x/net/trace registers its own /debug/requests
	// and /debug/events handlers on http.DefaultServeMux.
	_ "golang.org/x/net/trace"
)

// QueueDumper is the subset of *queue.Queue the monitor needs.
type QueueDumper interface {
	DumpString() string
}

// ListenAndServe starts the debug HTTP server on addr, blocking until it
// exits. Call this in its own goroutine.
func ListenAndServe(addr string, conf *config.Config, q QueueDumper) error {
	http.HandleFunc("/", indexHandler(conf))
	http.HandleFunc("/debug/queue", queueHandler(q))

	log.Infof("monitoring HTTP server listening on %s", addr)
	return http.ListenAndServe(addr, nil)
}

func indexHandler(conf *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "mailrelay @%s\n\n", conf.Hostname)
		fmt.Fprintf(w, "- /debug/requests (traces)\n")
		fmt.Fprintf(w, "- /debug/events\n")
		fmt.Fprintf(w, "- /debug/queue\n")
	}
}

func queueHandler(q QueueDumper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if q == nil {
			http.Error(w, "queue not available", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, q.DumpString())
	}
}
