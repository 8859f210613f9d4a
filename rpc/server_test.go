package rpc_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/framebattles/config"
	"github.com/tolelom/framebattles/core"
	"github.com/tolelom/framebattles/events"
	"github.com/tolelom/framebattles/internal/testutil"
	"github.com/tolelom/framebattles/repository"
	"github.com/tolelom/framebattles/rpc"
)

const token = "s3cret"

func newServer(t *testing.T, emitter *events.Emitter) (*rpc.Server, *rpc.Notifier) {
	t.Helper()
	fake := testutil.NewFakeLedger(config.DevChainID)
	fake.FeeBps = 250
	fake.Put(&core.Battle{ID: 0, Prediction: "p", StakeAmount: core.MustEther("1"), EndTime: uint64(start.Add(time.Hour).Unix())})
	repo := repository.New(fake, repository.Options{})
	h := rpc.NewHandler(repo, nil, nil, rpc.HandlerOptions{ChainID: config.DevChainID, Clock: func() time.Time { return start }})
	n := rpc.NewNotifier(emitter, nil)
	return rpc.NewServer(h, n, rpc.ServerOptions{AuthToken: token}), n
}

func post(t *testing.T, s *rpc.Server, body, auth string) (*httptest.ResponseRecorder, rpc.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestServerAuth(t *testing.T) {
	s, _ := newServer(t, events.NewEmitter())

	rec, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"listBattles"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeUnauthorized, resp.Error.Code)

	rec, resp = post(t, s, `{"jsonrpc":"2.0","id":1,"method":"listBattles"}`, "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Error)

	rec, resp = post(t, s, `{"jsonrpc":"2.0","id":1,"method":"listBattles"}`, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestServerEnvelope(t *testing.T) {
	s, _ := newServer(t, events.NewEmitter())

	_, resp := post(t, s, `{"jsonrpc":"1.0","id":7,"method":"listBattles"}`, "Bearer "+token)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidRequest, resp.Error.Code)

	_, resp = post(t, s, `{"jsonrpc":`, "Bearer "+token)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)

	_, resp = post(t, s, `{"jsonrpc":"2.0","id":2,"method":"getBattle","params":{"id":0}}`, "Bearer "+token)
	require.Nil(t, resp.Error)
	assert.EqualValues(t, 2, resp.ID)
}

func TestHealthzNeedsNoToken(t *testing.T) {
	s, _ := newServer(t, events.NewEmitter())
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestNotifierStreamsEvents(t *testing.T) {
	emitter := events.NewEmitter()
	s, n := newServer(t, emitter)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()
	defer n.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return n.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	// block events are internal and not forwarded
	emitter.Emit(events.Event{Type: events.EventBlockCommit, BlockHeight: 1})
	emitter.Emit(events.Event{Type: events.EventTxConfirmed, TxHash: "0xabc", Data: map[string]any{"method": "acceptBattle"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventTxConfirmed, ev.Type)
	assert.Equal(t, "0xabc", ev.TxHash)
	assert.Equal(t, "acceptBattle", ev.Data["method"])
}
