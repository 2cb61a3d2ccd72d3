package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairprog/internal/autocomplete"
	"pairprog/internal/config"
	"pairprog/internal/middleware"
	"pairprog/internal/models"
	"pairprog/internal/rooms"
	"pairprog/internal/session"
	"pairprog/internal/testhelpers"
)

type mockDirectory struct {
	createFn func(context.Context) (*models.Room, error)
	getFn    func(context.Context, string) (*models.Room, error)
	saveFn   func(context.Context, string, string) error
}

func (m *mockDirectory) Create(ctx context.Context) (*models.Room, error) {
	if m.createFn != nil {
		return m.createFn(ctx)
	}
	return nil, errors.New("not implemented")
}

func (m *mockDirectory) GetOrCreate(ctx context.Context, id string) (*models.Room, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockDirectory) SaveSnapshot(ctx context.Context, id, code string) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, id, code)
	}
	return errors.New("not implemented")
}

func testConfig() *config.Config {
	return &config.Config{WSWriteTimeout: 2 * time.Second}
}

func newTestHandlers(t *testing.T, dir roomDirectory, maxMembers int) *Handlers {
	t.Helper()
	return newTestHandlersWithConfig(t, dir, maxMembers, testConfig())
}

func newTestHandlersWithConfig(t *testing.T, dir roomDirectory, maxMembers int, cfg *config.Config) *Handlers {
	t.Helper()
	engine, err := autocomplete.NewEngine()
	require.NoError(t, err)
	relay := session.NewRelay(session.NewRegistry(maxMembers), zap.NewNop())
	return NewHandlersWithDeps(zap.NewNop(), cfg, dir, relay, engine)
}

func newSQLiteHandlers(t *testing.T) *Handlers {
	t.Helper()
	return newTestHandlers(t, rooms.NewRoomRepository(testhelpers.SetupTestDB(t)), 0)
}

func testRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.Root)
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Post("/rooms", h.CreateRoom)
	r.Get("/rooms/{id}", h.GetRoom)
	r.With(middleware.ValidateRequest[*models.SaveRequest]()).Put("/rooms/{id}/save", h.SaveRoom)
	r.With(middleware.ValidateRequest[*models.AutocompleteRequest]()).Post("/autocomplete", h.Autocomplete)
	r.Get("/ws/{id}", h.RoomWS)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRootAndHealth(t *testing.T) {
	router := testRouter(newTestHandlers(t, &mockDirectory{}, 0))

	rec := do(t, router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.HealthResponse{Status: "ok", Message: "Pair Programming Backend is Running"},
		decode[models.HealthResponse](t, rec))

	rec = do(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReady(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	router := testRouter(h)

	h.AddReadinessCheck("database", func(context.Context) error { return nil })
	rec := do(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[models.ReadinessResponse](t, rec).Status)

	h.AddReadinessCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec = do(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[models.ReadinessResponse](t, rec)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"].Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"].Message)
}

func TestCreateAndFetchRoom(t *testing.T) {
	router := testRouter(newSQLiteHandlers(t))

	rec := do(t, router, http.MethodPost, "/rooms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode[models.RoomResponse](t, rec)
	assert.Len(t, created.RoomID, 8)
	assert.Equal(t, models.DefaultCreatedCode, created.Code)

	rec = do(t, router, http.MethodGet, "/rooms/"+created.RoomID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created, decode[models.RoomResponse](t, rec))
}

func TestGetRoomLazilyCreates(t *testing.T) {
	router := testRouter(newSQLiteHandlers(t))

	first := do(t, router, http.MethodGet, "/rooms/abc12345", "")
	require.Equal(t, http.StatusOK, first.Code)
	room := decode[models.RoomResponse](t, first)
	assert.Equal(t, models.RoomResponse{RoomID: "abc12345", Code: models.DefaultLazyCode}, room)

	second := do(t, router, http.MethodGet, "/rooms/abc12345", "")
	assert.Equal(t, room, decode[models.RoomResponse](t, second))
}

func TestGetRoomInvalidID(t *testing.T) {
	router := testRouter(newTestHandlers(t, &mockDirectory{}, 0))
	rec := do(t, router, http.MethodGet, "/rooms/"+strings.Repeat("x", 65), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_room_id", decode[models.ErrorResponse](t, rec).Code)
}

func TestSaveRoom(t *testing.T) {
	router := testRouter(newSQLiteHandlers(t))

	rec := do(t, router, http.MethodPut, "/rooms/ghost/save", `{"code":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SaveResponse{Status: "saved"}, decode[models.SaveResponse](t, rec))
	rec = do(t, router, http.MethodGet, "/rooms/ghost", "")
	assert.Equal(t, "x", decode[models.RoomResponse](t, rec).Code)

	do(t, router, http.MethodGet, "/rooms/room1", "")
	rec = do(t, router, http.MethodPut, "/rooms/room1/save", `{"code":"print('hi')"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SaveResponse{Status: "saved"}, decode[models.SaveResponse](t, rec))

	rec = do(t, router, http.MethodGet, "/rooms/room1", "")
	assert.Equal(t, "print('hi')", decode[models.RoomResponse](t, rec).Code)

	rec = do(t, router, http.MethodPut, "/rooms/room1/save", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_code", decode[models.ErrorResponse](t, rec).Code)
}

func TestDirectoryFailuresReturn500(t *testing.T) {
	dir := &mockDirectory{
		createFn: func(context.Context) (*models.Room, error) { return nil, rooms.ErrIDCollision },
		getFn:    func(context.Context, string) (*models.Room, error) { return nil, errors.New("db down") },
		saveFn:   func(context.Context, string, string) error { return errors.New("db down") },
	}
	router := testRouter(newTestHandlers(t, dir, 0))

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/rooms", ""},
		{http.MethodGet, "/rooms/abc", ""},
		{http.MethodPut, "/rooms/abc/save", `{"code":""}`},
	} {
		rec := do(t, router, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
		assert.Equal(t, "internal_error", decode[models.ErrorResponse](t, rec).Code)
	}
}

func TestAutocomplete(t *testing.T) {
	router := testRouter(newTestHandlers(t, &mockDirectory{}, 0))

	tests := []struct {
		name string
		body string
		want string
	}{
		{"import", `{"code":"import","cursorPosition":6,"language":"python"}`, " math"},
		{"open print", `{"code":"x = 1\nprint(","cursorPosition":0,"language":"python"}`, "'Hello World')"},
		{"cursor before tail", `{"code":"def\nfoo = 2","cursorPosition":3,"language":"python"}`, " my_function():"},
		{"other language", `{"code":"def","cursorPosition":0,"language":"javascript"}`, " my_function():"},
		{"cursor hides later lines", `{"code":"print(\nx","cursorPosition":6,"language":"python"}`, "'Hello World')"},
		{"missing language", `{"code":"import"}`, " math"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/autocomplete", tc.body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, decode[models.AutocompleteResponse](t, rec).Suggestion)
		})
	}

	rec := do(t, router, http.MethodPost, "/autocomplete", `{"code":"x","cursorPosition":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

/*** WebSocket relay ***/

func startServer(t *testing.T, h *Handlers) string {
	t.Helper()
	srv := httptest.NewServer(testRouter(h))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, room string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/"+room, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitForMembers(t *testing.T, h *Handlers, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.relay.Registry().Count(room) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	return payload
}

func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, payload, err := ws.ReadMessage()
	assert.Error(t, err, "unexpected frame %v", payload)
}

func TestRoomWSRelaysToOtherMembers(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	base := startServer(t, h)

	a := dial(t, base, "abc12345")
	b := dial(t, base, "abc12345")
	c := dial(t, base, "abc12345")
	waitForMembers(t, h, "abc12345", 3)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	assert.Equal(t, []byte{0x01, 0x02}, readBinary(t, b))
	assert.Equal(t, []byte{0x01, 0x02}, readBinary(t, c))
	assertSilent(t, b)
	assertSilent(t, a)
	assert.Equal(t, 3, h.relay.Registry().Count("abc12345"))
}

func TestRoomWSDropsTextFrames(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	base := startServer(t, h)

	a := dial(t, base, "room")
	b := dial(t, base, "room")
	waitForMembers(t, h, "room", 2)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x09}))

	assert.Equal(t, []byte{0x09}, readBinary(t, b))
	assert.Equal(t, 2, h.relay.Registry().Count("room"))
}

func TestRoomWSKeepsSenderOrder(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	base := startServer(t, h)

	a := dial(t, base, "fifo")
	b := dial(t, base, "fifo")
	waitForMembers(t, h, "fifo", 2)

	for i := 0; i < 50; i++ {
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}))
	}
	for i := 0; i < 50; i++ {
		require.Equal(t, []byte{byte(i)}, readBinary(t, b))
	}
}

func TestRoomWSRoomsAreIsolated(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	base := startServer(t, h)

	a := dial(t, base, "one")
	other := dial(t, base, "two")
	waitForMembers(t, h, "one", 1)
	waitForMembers(t, h, "two", 1)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("x")))
	assertSilent(t, other)
}

func TestRoomWSLeavesOnDisconnect(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	base := startServer(t, h)

	a := dial(t, base, "bye")
	b := dial(t, base, "bye")
	waitForMembers(t, h, "bye", 2)

	require.NoError(t, a.Close())
	waitForMembers(t, h, "bye", 1)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return h.relay.Registry().RoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoomWSEvictsStalledRecipient(t *testing.T) {
	h := newTestHandlersWithConfig(t, &mockDirectory{}, 0, &config.Config{WSWriteTimeout: 300 * time.Millisecond})
	base := startServer(t, h)

	a := dial(t, base, "stall")
	dial(t, base, "stall") // never reads
	c := dial(t, base, "stall")
	waitForMembers(t, h, "stall", 3)

	const frames = 40
	received := make(chan int, 1)
	go func() {
		n := 0
		_ = c.SetReadDeadline(time.Now().Add(20 * time.Second))
		for n < frames {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
			n++
		}
		received <- n
	}()

	payload := bytes.Repeat([]byte{0xab}, 1<<20)
	for i := 0; i < frames; i++ {
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, payload))
	}

	select {
	case n := <-received:
		assert.Equal(t, frames, n)
	case <-time.After(25 * time.Second):
		t.Fatal("healthy recipient was blocked by the stalled one")
	}
	waitForMembers(t, h, "stall", 2)
}

func TestRoomWSInvalidRoom(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 0)
	base := startServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/bad.id", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomWSRoomFull(t *testing.T) {
	h := newTestHandlers(t, &mockDirectory{}, 1)
	base := startServer(t, h)

	dial(t, base, "solo")
	waitForMembers(t, h, "solo", 1)

	late := dial(t, base, "solo")
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := late.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, 1, h.relay.Registry().Count("solo"))
}
