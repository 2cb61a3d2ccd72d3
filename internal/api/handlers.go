package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairprog/internal/autocomplete"
	"pairprog/internal/config"
	"pairprog/internal/middleware"
	"pairprog/internal/models"
	"pairprog/internal/rooms"
	"pairprog/internal/session"
	"pairprog/internal/utils"
)

const readinessTimeout = 2 * time.Second

type roomDirectory interface {
	Create(ctx context.Context) (*models.Room, error)
	GetOrCreate(ctx context.Context, roomID string) (*models.Room, error)
	SaveSnapshot(ctx context.Context, roomID, code string) error
}

type suggester interface {
	Suggest(code string, language models.Language) string
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	log      *zap.Logger
	rooms    roomDirectory
	relay    *session.Relay
	complete suggester
	upgrader websocket.Upgrader

	writeTimeout  time.Duration
	maxFrameBytes int64
	pongWait      time.Duration
	pingPeriod    time.Duration

	checks map[string]ReadinessCheck
}

func NewHandlers(log *zap.Logger, cfg *config.Config, directory *rooms.RoomRepository, relay *session.Relay, engine *autocomplete.Engine) *Handlers {
	return NewHandlersWithDeps(log, cfg, directory, relay, engine)
}

// NewHandlersWithDeps allows injecting the room directory and suggester (used in tests).
func NewHandlersWithDeps(log *zap.Logger, cfg *config.Config, directory roomDirectory, relay *session.Relay, complete suggester) *Handlers {
	return &Handlers{
		log:      log,
		rooms:    directory,
		relay:    relay,
		complete: complete,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout:  cfg.WSWriteTimeout,
		maxFrameBytes: cfg.WSMaxFrameBytes,
		pongWait:      defaultPongWait,
		pingPeriod:    defaultPingPeriod,
		checks:        make(map[string]ReadinessCheck),
	}
}

// AddReadinessCheck registers a dependency probe reported by Ready.
func (h *Handlers) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

func (h *Handlers) Root(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, models.HealthResponse{
		Status:  "ok",
		Message: "Pair Programming Backend is Running",
	})
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := models.ReadinessResponse{Status: "ready", Checks: make(map[string]models.ReadinessCheck, len(names))}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = models.ReadinessCheck{Status: "failed", Message: err.Error()}
			resp.Status = "not_ready"
			continue
		}
		resp.Checks[name] = models.ReadinessCheck{Status: "ok"}
	}

	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	utils.JSON(w, status, resp)
}

/*** Room directory ***/

func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Create(r.Context())
	if err != nil {
		h.directoryError(w, "create room", "", err)
		return
	}
	h.log.Info("room created", zap.String("room", room.RoomID))
	utils.JSON(w, http.StatusOK, models.NewRoomResponse(room))
}

func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomParam(w, r)
	if !ok {
		return
	}
	room, err := h.rooms.GetOrCreate(r.Context(), roomID)
	if err != nil {
		h.directoryError(w, "get room", roomID, err)
		return
	}
	utils.JSON(w, http.StatusOK, models.NewRoomResponse(room))
}

func (h *Handlers) SaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomParam(w, r)
	if !ok {
		return
	}
	req := middleware.GetValidatedRequest[*models.SaveRequest](r)
	if err := h.rooms.SaveSnapshot(r.Context(), roomID, *req.Code); err != nil {
		h.directoryError(w, "save snapshot", roomID, err)
		return
	}
	utils.JSON(w, http.StatusOK, models.SaveResponse{Status: "saved"})
}

/*** Autocomplete ***/

func (h *Handlers) Autocomplete(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.AutocompleteRequest](r)
	text := autocomplete.TextBeforeCursor(req.Code, req.CursorPosition)
	utils.JSON(w, http.StatusOK, models.AutocompleteResponse{
		Suggestion: h.complete.Suggest(text, req.Language),
	})
}

func roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := chi.URLParam(r, "id")
	if !session.ValidRoomID(roomID) {
		utils.JSONError(w, http.StatusBadRequest, "invalid_room_id", "Room id must be 1-64 letters, digits, '-' or '_'")
		return "", false
	}
	return roomID, true
}

func (h *Handlers) directoryError(w http.ResponseWriter, op, roomID string, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		utils.JSONError(w, http.StatusNotFound, "room_not_found", "Room not found")
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		h.log.Error("room directory failure", zap.String("op", op), zap.String("room", roomID), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "internal_error", "Room directory unavailable")
	}
}
