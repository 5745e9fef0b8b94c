// Package server exposes the inspector to the UI over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vincentbai/target-inspector/internal/database"
	"github.com/vincentbai/target-inspector/internal/flicker"
	"github.com/vincentbai/target-inspector/internal/inspector"
	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/models"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	manager *inspector.Manager
	db      *database.Database
	hub     *Hub
	logger  *log.Logger
	address string
	server  *http.Server
}

// NewServer builds a server for manager. db may be nil, in which case the
// history endpoint is not served.
func NewServer(manager *inspector.Manager, db *database.Database, hub *Hub, address string, logger *log.Logger) *Server {
	return &Server{
		manager: manager,
		db:      db,
		hub:     hub,
		logger:  logger,
		address: address,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleMessages(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var msg models.Message
	if err := json.NewDecoder(request.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if msg.TabID == "" && msg.Type != models.MsgTestConnection {
		http.Error(w, "tabId is required", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case models.MsgGetActivities:
		s.writeJSON(w, models.ActivitiesReply{
			Activities:  s.manager.Activities(msg.TabID),
			IsDebugging: s.manager.IsObserved(msg.TabID),
		})
	case models.MsgGetEvents:
		events := s.manager.Events(msg.TabID)
		s.writeJSON(w, models.EventsReply{Events: events, Count: len(events)})
	case models.MsgGetPerformance:
		s.writeJSON(w, models.PerformanceReply{PerformanceData: s.manager.Performance(msg.TabID)})
	case models.MsgMeasurePerformance:
		metrics, err := s.manager.MeasurePerformance(request.Context(), msg.TabID)
		if err != nil {
			s.writeJSON(w, models.MeasureReply{Error: err.Error()})
			return
		}
		s.writeJSON(w, models.MeasureReply{Success: true, Metrics: &metrics})
	case models.MsgClearActivities:
		s.manager.Clear(msg.TabID)
		s.writeJSON(w, models.StatusReply{Success: true})
	case models.MsgCollectFlicker:
		stored, err := s.manager.CollectFlickerMetrics(request.Context(), msg.TabID)
		if err != nil {
			s.writeJSON(w, models.CollectReply{Error: err.Error()})
			return
		}
		s.writeJSON(w, models.CollectReply{Success: true, Stored: stored})
	case models.MsgClearFlickerData:
		s.manager.ClearFlickerData(msg.TabID)
		s.writeJSON(w, models.StatusReply{Success: true})
	case models.MsgStartFlickerTest:
		s.writeStatus(w, s.manager.StartFlickerTest(request.Context(), msg.TabID))
	case models.MsgSetFlickerPhase:
		if !flicker.ValidPhase(msg.Phase) {
			http.Error(w, "Unknown phase", http.StatusBadRequest)
			return
		}
		s.writeStatus(w, s.manager.SetFlickerPhase(request.Context(), msg.TabID, msg.Phase))
	case models.MsgGetFlickerResults:
		s.handleFlickerResults(request.Context(), w, msg.TabID)
	case models.MsgEndFlickerTest:
		s.writeStatus(w, s.manager.EndFlickerTest(request.Context()))
	case models.MsgResetFlickerTest:
		s.writeStatus(w, s.manager.ResetFlickerTest(request.Context(), msg.TabID))
	case models.MsgTestConnection:
		stats := s.manager.Stats()
		s.writeJSON(w, models.ConnectionReply{
			Success:           true,
			Message:           "inspector is running",
			Timestamp:         time.Now().UnixMilli(),
			DebuggingSessions: stats.Observed,
			TotalActivities:   stats.Activities,
			Method:            "devtools",
		})
	default:
		http.Error(w, "Unknown message type", http.StatusBadRequest)
	}
}

func (s *Server) handleFlickerResults(ctx context.Context, w http.ResponseWriter, tabID string) {
	report, err := s.manager.FlickerReport(ctx)
	if err != nil {
		s.writeJSON(w, models.FlickerTestReply{Error: err.Error()})
		return
	}
	reply := models.FlickerTestReply{
		Success:   true,
		Phase:     report.Phase,
		TabID:     report.TabID,
		URL:       report.URL,
		StartedAt: report.StartedAt,
	}
	if report.TabID == tabID {
		results := report.Results
		reply.Complete = results.Complete()
		if results.WithSnippet != nil || results.WithoutSnippet != nil {
			reply.Results = &results
		}
	}
	s.writeJSON(w, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	query := request.URL.Query()
	tabID := query.Get("tabId") // empty lists every tab
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	activities, err := s.db.ListActivities(request.Context(), tabID, limit)
	if err != nil {
		s.logger.Errorf("Server:handleHistory", "database error: %v", err)
		http.Error(w, "Failed to load activities", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, models.ActivitiesReply{
		Activities:  activities,
		IsDebugging: tabID != "" && s.manager.IsObserved(tabID),
	})
}

func (s *Server) writeStatus(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeJSON(w, models.StatusReply{Error: err.Error()})
		return
	}
	s.writeJSON(w, models.StatusReply{Success: true})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugf("Server:writeJSON", "writing reply: %v", err)
	}
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/messages", s.handleMessages)
	if s.db != nil {
		mux.HandleFunc("/history", s.handleHistory)
	}
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.setupRoutes()
	s.server = &http.Server{
		Addr:        s.address,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// flicker collection waits out the settle delay before replying
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Server:Start", "target inspector listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Infof("Server:Start", "shutting down server")

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}
	s.logger.Infof("Server:Start", "server exited")
	return nil
}
