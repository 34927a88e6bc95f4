package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

// eventKeepAlive bounds how long a silent stream goes without a comment line.
// Proxies tend to cut idle connections well before two minutes.
const eventKeepAlive = 30 * time.Second

// handleEvents streams notifier events as server-sent events. Topics are
// selected with ?topics=a,b,c and default to the global feed. Delivery is
// best-effort; a client that falls behind misses events rather than stalling
// the publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	topics := []string{notify.TopicGlobal}
	if raw := strings.TrimSpace(r.URL.Query().Get("topics")); raw != "" {
		topics = topics[:0]
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	if len(topics) == 0 {
		s.badRequest(w, "topics must name at least one topic")
		return
	}

	ch, unsub := s.notifier.Subscribe(topics, 32)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug("event stream opened", logx.String("topics", strings.Join(topics, ",")))

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event encode failed", logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
