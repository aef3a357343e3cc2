package developerjoe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminPassword = "swordfish"

func newTestAPI(t *testing.T) *API {
	t.Helper()

	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Chat = testChatConfig()
	cfg.API.Secret = "test-secret"
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.AdminUsername = "admin"
	cfg.API.AdminPasswordHash = hash

	db := newTestDB(t)
	dj := &DeveloperJoe{
		config:  cfg,
		logger:  slog.Default(),
		history: newHistoryStore(db),
		guilds:  newGuildStore(db),
	}
	dj.locks = newModelLocks(dj.guilds)

	api, err := newAPI(dj, cfg.API)
	require.NoError(t, err)
	return api
}

func apiRequest(
	t *testing.T,
	api *API,
	method string,
	path string,
	body string,
	cookies []string,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		req.Header.Add("Cookie", cookie)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

// loginCookies authenticates against the login endpoint and returns the
// session cookies for subsequent requests.
func loginCookies(t *testing.T, api *API) []string {
	t.Helper()
	w := apiRequest(
		t, api, http.MethodPost, "/api/login",
		fmt.Sprintf(
			`{"username": "admin", "password": %q}`, testAdminPassword,
		),
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var cookies []string
	for _, setCookie := range w.Result().Header.Values("Set-Cookie") {
		cookies = append(cookies, strings.SplitN(setCookie, ";", 2)[0])
	}
	require.NotEmpty(t, cookies)
	return cookies
}

func TestAPILogin(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	w := apiRequest(
		t, api, http.MethodPost, "/api/login",
		`{"username": "admin", "password": "wrong"}`,
		nil,
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(
		t, api, http.MethodPost, "/api/login",
		fmt.Sprintf(`{"username": "someone", "password": %q}`, testAdminPassword),
		nil,
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, api, http.MethodPost, "/api/login", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cookies := loginCookies(t, api)
	w = apiRequest(t, api, http.MethodGet, "/api/loggedin", "", cookies)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"logged_in":true`)
}

func TestAPIRequiresLogin(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/transcripts"},
		{http.MethodGet, "/api/transcripts/some-id"},
		{http.MethodDelete, "/api/transcripts/some-id"},
		{http.MethodGet, "/api/guilds/guild-1/locks"},
	} {
		w := apiRequest(t, api, tc.method, tc.path, "", nil)
		assert.Equal(
			t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path,
		)
	}
}

func TestAPITranscripts(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	cookies := loginCookies(t, api)
	ctx := context.Background()

	record, err := api.dj.history.Upload(ctx, newUploadableSession(t))
	require.NoError(t, err)

	w := apiRequest(t, api, http.MethodGet, "/api/transcripts", "", cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), record.TranscriptID)

	w = apiRequest(
		t, api, http.MethodGet, "/api/transcripts/"+record.TranscriptID, "", cookies,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Transcript History        `json:"transcript"`
		Exchanges  []ChatExchange `json:"exchanges"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, record.TranscriptID, payload.Transcript.TranscriptID)
	require.Len(t, payload.Exchanges, 2)
	assert.Equal(t, "hello", payload.Exchanges[0].Query)

	w = apiRequest(
		t, api, http.MethodDelete, "/api/transcripts/"+record.TranscriptID, "", cookies,
	)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = apiRequest(
		t, api, http.MethodGet, "/api/transcripts/"+record.TranscriptID, "", cookies,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIGuildLocks(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	cookies := loginCookies(t, api)

	w := apiRequest(t, api, http.MethodGet, "/api/guilds/guild-1/locks", "", cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"locks": {}}`, w.Body.String())

	body := fmt.Sprintf(`{"locks": {%q: ["role-mod"]}}`, ModelGPT4.ID())
	w = apiRequest(t, api, http.MethodPut, "/api/guilds/guild-1/locks", body, cookies)
	require.Equal(t, http.StatusOK, w.Code)

	w = apiRequest(t, api, http.MethodGet, "/api/guilds/guild-1/locks", "", cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(
		t,
		fmt.Sprintf(`{"locks": {%q: ["role-mod"]}}`, ModelGPT4.ID()),
		w.Body.String(),
	)

	// unknown model IDs are rejected
	w = apiRequest(
		t, api, http.MethodPut, "/api/guilds/guild-1/locks",
		`{"locks": {"gpt-99": ["role-mod"]}}`, cookies,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPILogout(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	cookies := loginCookies(t, api)

	w := apiRequest(t, api, http.MethodPost, "/api/logout", "", cookies)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// the cleared cookie from the logout response invalidates the session
	var cleared []string
	for _, setCookie := range w.Result().Header.Values("Set-Cookie") {
		cleared = append(cleared, strings.SplitN(setCookie, ";", 2)[0])
	}
	w = apiRequest(t, api, http.MethodGet, "/api/transcripts", "", cleared)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRequestIDHeader(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, "/api/loggedin", "", nil)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, "/api/loggedin", strings.NewReader(""))
	require.NoError(t, err)
	req.Header.Set(xRequestIDHeader, "fixed-id")
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get(xRequestIDHeader))
}
