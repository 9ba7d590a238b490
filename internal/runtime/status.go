package runtime

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/drblury/marketflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/marketflow/internal/runtime/logging"
	"github.com/drblury/marketflow/internal/runtime/output"
	transport "github.com/drblury/marketflow/transport"
)

const defaultDLQPageSize = 50

// EngineStatus is the body of /api/status.
type EngineStatus struct {
	Running        bool               `json:"running"`
	InFlight       int                `json:"in_flight"`
	TrackedRetries int                `json:"tracked_retries"`
	Transport      string             `json:"transport"`
	InputTopic     string             `json:"input_topic"`
	DLQTopic       string             `json:"dlq_topic"`
	Sink           string             `json:"sink"`
	Output         output.RouterStats `json:"output"`
	Pending        *int64             `json:"pending,omitempty"`
	Resource       ResourceUsage      `json:"resource"`
}

// StartStatusServer registers the status API on the status port when enabled.
func (s *Service) StartStatusServer() {
	if !s.Conf.StatusEnabled {
		return
	}

	port := s.Conf.StatusPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/processors", s.statusEndpoint(http.MethodGet, s.handleGetProcessors))
	s.RegisterHTTPHandler(port, "/api/status", s.statusEndpoint(http.MethodGet, s.handleGetStatus))
	s.RegisterHTTPHandler(port, "/api/dlq", s.statusEndpoint(http.MethodGet, s.handleGetDLQ))
	s.RegisterHTTPHandler(port, "/api/dlq/messages", s.statusEndpoint(http.MethodGet, s.handleListDLQ))
	s.RegisterHTTPHandler(port, "/api/dlq/replay", s.statusEndpoint(http.MethodPost, s.handleReplayDLQ))
	s.RegisterHTTPHandler(port, "/api/dlq/purge", s.statusEndpoint(http.MethodPost, s.handlePurgeDLQ))
}

// statusEndpoint applies CORS, answers preflight requests and rejects other methods.
func (s *Service) statusEndpoint(method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", method+", OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case method:
		default:
			w.Header().Set("Allow", method+", OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Processors lists every registered processor with its call statistics.
func (s *Service) Processors() []ProcessorInfo {
	infos := s.registry.Describe()
	out := make([]ProcessorInfo, 0, len(infos))
	for _, info := range infos {
		row := ProcessorInfo{
			Name:        info.Name,
			Description: info.Description,
			Enabled:     info.Enabled,
			Default:     info.Default,
		}
		if stats, ok := s.stats.Lookup(info.Name); ok {
			row.Stats = stats
		}
		out = append(out, row)
	}
	return out
}

func (s *Service) handleGetProcessors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Processors())
}

// Status reports the engine, queue and output state.
func (s *Service) Status() EngineStatus {
	status := EngineStatus{
		Running:        s.engine.Running(),
		InFlight:       s.engine.InFlight(),
		TrackedRetries: s.engine.RetryState().Len(),
		Transport:      s.transport.Capabilities.Name,
		InputTopic:     s.Conf.InputTopic,
		DLQTopic:       s.Conf.DLQTopic(),
		Sink:           s.router.SinkName(),
		Output:         s.router.Stats(),
		Resource:       s.resourceTracker.Snapshot(),
	}
	if introspector, ok := transportAs[transport.QueueIntrospector](s); ok {
		if pending, err := introspector.GetPendingCount(s.Conf.InputTopic); err == nil {
			status.Pending = &pending
		} else {
			s.Logger.Error("Failed to read pending count", err, loggingpkg.LogFields{"topic": s.Conf.InputTopic})
		}
	}
	return status
}

func (s *Service) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status())
}

func (s *Service) handleGetDLQ(w http.ResponseWriter, _ *http.Request) {
	if manager, ok := transportAs[transport.DLQManager](s); ok {
		// Dead letters are stored under the topic they were consumed from.
		count, err := manager.GetDLQCount(s.Conf.InputTopic)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, err)
			return
		}
		s.dlqMetrics.SetCurrentCount(s.Conf.DLQTopic(), uint64(count))
	}
	s.writeJSON(w, http.StatusOK, s.dlqMetrics.Snapshot())
}

func (s *Service) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	lister, ok := transportAs[transport.DLQLister](s)
	if !ok {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "transport cannot list dead letters"})
		return
	}
	limit := queryInt(r, "limit", defaultDLQPageSize)
	offset := queryInt(r, "offset", 0)

	messages, err := lister.ListDLQMessages(s.Conf.InputTopic, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if messages == nil {
		messages = []transport.DLQMessage{}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Service) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	manager, ok := transportAs[transport.DLQManager](s)
	if !ok {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "transport cannot replay dead letters"})
		return
	}

	if raw := r.URL.Query().Get("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
			return
		}
		if err := manager.ReplayDLQMessage(id); err != nil {
			s.writeError(w, http.StatusBadGateway, err)
			return
		}
		s.dlqMetrics.RecordReplayed(s.Conf.DLQTopic(), 1)
		s.writeJSON(w, http.StatusOK, map[string]int64{"replayed": 1})
		return
	}

	n, err := manager.ReplayAllDLQ(s.Conf.InputTopic)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.dlqMetrics.RecordReplayed(s.Conf.DLQTopic(), n)
	s.Logger.Info("Replayed dead letters", loggingpkg.LogFields{"topic": s.Conf.InputTopic, "count": n})
	s.writeJSON(w, http.StatusOK, map[string]int64{"replayed": n})
}

func (s *Service) handlePurgeDLQ(w http.ResponseWriter, _ *http.Request) {
	manager, ok := transportAs[transport.DLQManager](s)
	if !ok {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "transport cannot purge dead letters"})
		return
	}
	n, err := manager.PurgeDLQ(s.Conf.InputTopic)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.dlqMetrics.RecordPurged(s.Conf.DLQTopic(), n)
	s.Logger.Info("Purged dead letters", loggingpkg.LogFields{"topic": s.Conf.InputTopic, "count": n})
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// transportAs returns the publisher or subscriber implementing T.
func transportAs[T any](s *Service) (T, bool) {
	for _, candidate := range []any{s.transport.Publisher, s.transport.Subscriber} {
		if v, ok := candidate.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	if slices.Contains(s.Conf.StatusCORSAllowedOrigins, "*") {
		return "*"
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
