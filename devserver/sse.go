package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

// serveSSE streams one topic as server-sent events. Comment lines keep the
// stream alive between events.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	userID := bearer(r)
	topic := r.URL.Query().Get("topic")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token is required")
		return
	}
	if err := s.authorize(r.Context(), userID, topic); err != nil {
		if errors.Is(err, errForbidden) || errors.Is(err, errEmptyTopic) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
			return
		}
		s.log.Warn("topic check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgsync.CodeInternal, "topic check failed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, msgsync.CodeInternal, "streaming unsupported")
		return
	}

	events := make(chan msgsync.PushEnvelope, s.cfg.SendBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	sub, err := s.hub.Subscribe(r.Context(), topic, func(env msgsync.PushEnvelope) {
		select {
		case events <- env:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	log := s.log.With(zap.String("user", userID), zap.String("topic", topic))
	log.Info("stream opened")
	defer log.Info("stream closed")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			log.Warn("stream fell behind, closing")
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case env := <-events:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}
