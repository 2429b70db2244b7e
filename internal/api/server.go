// Package api exposes battles, strains and tournaments over HTTP and
// streams live and recorded battles over websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/battle"
	"github.com/xypine/codestrain/internal/repository"
	"github.com/xypine/codestrain/internal/tournament"
)

const maxStrainBytes = 1 << 20

// Store is the persistence the API reads from and writes strains to.
type Store interface {
	Get(ctx context.Context, id string) (*battle.Result, error)
	List(ctx context.Context, limit int) ([]repository.BattleSummary, error)
	CreateStrain(ctx context.Context, name string) (*repository.Strain, error)
	AddVersion(ctx context.Context, strainID string, code []byte) (*repository.StrainVersion, error)
	ListStrains(ctx context.Context) ([]repository.Strain, error)
}

// Server handles HTTP requests
type Server struct {
	store       Store
	runner      tournament.BattleRunner
	tournaments *tournament.Manager
	hub         *Hub
	// background outlives requests; tournaments run under it.
	background context.Context
	logger     *zap.Logger
	startTime  time.Time
}

// NewServer creates a new API server. Tournaments started through it run
// under background.
func NewServer(background context.Context, store Store, runner tournament.BattleRunner, tournaments *tournament.Manager, hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		store:       store,
		runner:      runner,
		tournaments: tournaments,
		hub:         hub,
		background:  background,
		logger:      logger,
		startTime:   time.Now(),
	}
}

// Routes sets up the HTTP routes with their middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/strain", func(r chi.Router) {
		r.Get("/", s.handleListStrains)
		r.Post("/", s.handleCreateStrain)
		r.Post("/{id}/version", s.handleAddVersion)
	})

	r.Route("/battle", func(r chi.Router) {
		r.Get("/", s.handleListBattles)
		r.Post("/", s.handleRunBattle)
		r.Get("/{id}", s.handleGetBattle)
		r.Get("/{id}/verify", s.handleVerifyBattle)
		r.Get("/{id}/replay", s.handleReplay)
	})

	r.Route("/tournament", func(r chi.Router) {
		r.Get("/", s.handleListTournaments)
		r.Post("/", s.handleCreateTournament)
		r.Get("/{id}", s.handleGetTournament)
	})

	r.Get("/live", s.hub.ServeWS)

	return r
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 2*maxStrainBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Spectators  int    `json:"spectators"`
	Tournaments int    `json:"active_tournaments"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Spectators:  s.hub.Spectators(),
		Tournaments: s.tournaments.GetActiveTournamentCount(),
	})
}

// CreateStrainRequest is the body of POST /strain.
type CreateStrainRequest struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// CreateStrainResponse is returned by POST /strain.
type CreateStrainResponse struct {
	Strain  *repository.Strain        `json:"strain"`
	Version *repository.StrainVersion `json:"version,omitempty"`
}

func (s *Server) handleCreateStrain(w http.ResponseWriter, r *http.Request) {
	var req CreateStrainRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "name is required")
		return
	}
	if len(req.Code) > maxStrainBytes {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "code is too large")
		return
	}

	strain, err := s.store.CreateStrain(r.Context(), req.Name)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := CreateStrainResponse{Strain: strain}
	if req.Code != "" {
		v, err := s.store.AddVersion(r.Context(), strain.ID, []byte(req.Code))
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		strain.LatestVersion = v.Version
		strain.LatestHash = v.Hash
		resp.Version = v
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListStrains(w http.ResponseWriter, r *http.Request) {
	strains, err := s.store.ListStrains(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strains)
}

// AddVersionRequest is the body of POST /strain/{id}/version.
type AddVersionRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAddVersion(w http.ResponseWriter, r *http.Request) {
	var req AddVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "code is required")
		return
	}
	if len(req.Code) > maxStrainBytes {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "code is too large")
		return
	}

	v, err := s.store.AddVersion(r.Context(), chi.URLParam(r, "id"), []byte(req.Code))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, v)
}

// RunBattleRequest is the body of POST /battle.
type RunBattleRequest struct {
	StrainA string `json:"strain_a"`
	StrainB string `json:"strain_b"`
}

func (s *Server) handleRunBattle(w http.ResponseWriter, r *http.Request) {
	var req RunBattleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.StrainA == "" || req.StrainB == "" {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "strain_a and strain_b are required")
		return
	}

	result, err := s.runner.Run(r.Context(), req.StrainA, req.StrainB)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListBattles(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	battles, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, battles)
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// VerifyResponse is returned by GET /battle/{id}/verify.
type VerifyResponse struct {
	ID       string `json:"id"`
	Valid    bool   `json:"valid"`
	Checksum string `json:"checksum"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleVerifyBattle(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := VerifyResponse{ID: result.ID, Valid: true, Checksum: result.Checksum}
	if err := battle.Verify(result); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ReplayCommand is sent by replay clients to move the cursor.
type ReplayCommand struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

// handleReplay streams frames of a stored battle. The client drives the
// cursor with start, next, previous and skip commands; the first frame is
// sent on connect.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	cursor, err := battle.NewCursor(result)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := s.logger.With(zap.String("battle_id", result.ID))
	send := func(frame *battle.Frame) error {
		msg := WSMessage{Type: "frame", BattleID: result.ID, Data: frame}
		if frame == nil {
			msg.Type = "end"
			msg.Data = nil
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := send(cursor.Next()); err != nil {
		return
	}
	for {
		var cmd ReplayCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, io.EOF) {
				logger.Debug("replay connection closed", zap.Error(err))
			}
			return
		}

		var frame *battle.Frame
		switch cmd.Type {
		case "start":
			cursor.Start()
			frame = cursor.Next()
		case "next":
			frame = cursor.Next()
		case "previous":
			frame = cursor.Previous()
		case "skip":
			frame = cursor.Skip(cmd.Count)
		default:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(WSMessage{Type: "error", Data: "unknown command " + strconv.Quote(cmd.Type)}); err != nil {
				return
			}
			continue
		}
		if err := send(frame); err != nil {
			return
		}
	}
}

// CreateTournamentRequest is the body of POST /tournament.
type CreateTournamentRequest struct {
	Name    string   `json:"name"`
	Strains []string `json:"strains"`
}

func (s *Server) handleCreateTournament(w http.ResponseWriter, r *http.Request) {
	var req CreateTournamentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "invalid request body: "+err.Error())
		return
	}

	t, err := s.tournaments.CreateTournament(req.Name, req.Strains)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, err.Error())
		return
	}
	snap := t.Snapshot()
	s.tournaments.Start(s.background, t)
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleListTournaments(w http.ResponseWriter, r *http.Request) {
	all := s.tournaments.GetAllTournaments()
	out := make([]tournament.Snapshot, 0, len(all))
	for _, t := range all {
		out = append(out, t.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTournament(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tournaments.GetTournament(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, ErrTypeNotFound, "tournament not found")
		return
	}
	s.writeJSON(w, http.StatusOK, t.Snapshot())
}
