package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bouncerbot/bouncer/automod/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "secret-admin-token"

func testServer(t *testing.T, cfg Config) (*Server, *platform.MockPlatform) {
	mock := platform.NewMockPlatform("900000000000000001")
	if cfg.AdminToken == "" {
		cfg.AdminToken = testAdminToken
	}
	if cfg.DefaultLogChannel == "" {
		cfg.DefaultLogChannel = "log-default"
	}
	cfg.Parallelism = 2
	srv, err := NewServer(mock, cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Scheduler.Shutdown)
	return srv, mock
}

func doRequest(srv *Server, method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, Config{})

	rec := doRequest(srv, http.MethodGet, "/_health", "", false)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"status":"ok"`)
}

func TestIngestEvents(t *testing.T) {
	assert := assert.New(t)
	srv, mock := testServer(t, Config{})

	for i := range 4 {
		body := fmt.Sprintf(`{"kind":"channelCreate","guildId":"g1","actorId":"raider","channel":{"channelId":"c%d","channelName":"spam"}}`, i)
		rec := doRequest(srv, http.MethodPost, "/events", body, false)
		assert.Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	}
	srv.Scheduler.Wait()

	bans := mock.CallsFor(platform.ActionBan)
	if assert.Len(bans, 1) {
		assert.Equal("raider", bans[0].TargetID)
		assert.Equal("g1", bans[0].GuildID)
	}
	logs := mock.CallsFor(platform.ActionLog)
	if assert.Len(logs, 1) {
		assert.Equal("log-default", logs[0].ChannelID)
	}

	// missing payload for the kind
	rec := doRequest(srv, http.MethodPost, "/events", `{"kind":"channelCreate","guildId":"g1"}`, false)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/events", `{{{`, false)
	assert.Equal(http.StatusBadRequest, rec.Code)

	// flags recorded for the raider
	rec = doRequest(srv, http.MethodGet, "/admin/flags/g1/raider", "", true)
	assert.Equal(http.StatusOK, rec.Code)
	var flags FlagsResponse
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &flags))
	assert.Equal([]string{"channel-burst"}, flags.Flags)

	rec = doRequest(srv, http.MethodGet, "/admin/flags/g1/nobody", "", true)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"flags":[]`)
}

func TestIngestDispatch(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, Config{})

	rec := doRequest(srv, http.MethodPost, "/dispatch", `{"t":"CHANNEL_CREATE","d":{"id":"c1","guild_id":"g1","name":"general"}}`, false)
	assert.Equal(http.StatusAccepted, rec.Code)
	assert.Contains(rec.Body.String(), `"status":"queued"`)

	rec = doRequest(srv, http.MethodPost, "/dispatch", `{"t":"TYPING_START","d":{}}`, false)
	assert.Equal(http.StatusAccepted, rec.Code)
	assert.Contains(rec.Body.String(), `"status":"ignored"`)

	rec = doRequest(srv, http.MethodPost, "/dispatch", `{"kind":"channelCreate"}`, false)
	assert.Equal(http.StatusBadRequest, rec.Code)
	srv.Scheduler.Wait()
}

func TestAdminAuth(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, Config{})

	rec := doRequest(srv, http.MethodGet, "/admin/policies", "", false)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/policies", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/admin/policies", "", true)
	assert.Equal(http.StatusOK, rec.Code)

	srv.adminToken = ""
	rec = doRequest(srv, http.MethodGet, "/admin/policies", "", true)
	assert.Equal(http.StatusForbidden, rec.Code)
}

func TestAdminPolicies(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	srv, mock := testServer(t, Config{})

	rec := doRequest(srv, http.MethodGet, "/admin/policies", "", true)
	require.Equal(http.StatusOK, rec.Code)
	var listed []struct {
		Name      string `json:"name"`
		Threshold int    `json:"threshold"`
		Enabled   bool   `json:"enabled"`
	}
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.NotEmpty(listed)

	rec = doRequest(srv, http.MethodPut, "/admin/policies/channel-burst", `{"threshold":1,"window":"10m"}`, true)
	assert.Equal(http.StatusOK, rec.Code, rec.Body.String())
	p, ok := srv.Engine.Policies().Get("channel-burst")
	require.True(ok)
	assert.Equal(1, p.Threshold)

	// threshold of one with ">" fires on the second event
	for i := range 2 {
		body := fmt.Sprintf(`{"kind":"channelDelete","guildId":"g2","actorId":"raider","channel":{"channelId":"c%d"}}`, i)
		assert.Equal(http.StatusAccepted, doRequest(srv, http.MethodPost, "/events", body, false).Code)
	}
	srv.Scheduler.Wait()
	assert.Len(mock.CallsFor(platform.ActionBan), 1)

	rec = doRequest(srv, http.MethodPut, "/admin/policies/no-such-policy", `{"enabled":false}`, true)
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = doRequest(srv, http.MethodPut, "/admin/policies/channel-burst", `{"threshold":0}`, true)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPut, "/admin/policies/channel-burst", `{"comparison":"~"}`, true)
	assert.Equal(http.StatusBadRequest, rec.Code)
	p, _ = srv.Engine.Policies().Get("channel-burst")
	assert.Equal(1, p.Threshold)
}

func TestAdminLogChannel(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	srv, _ := testServer(t, Config{})

	rec := doRequest(srv, http.MethodPut, "/admin/log-channel", `{"guildId":"g1","channelId":"log-g1"}`, true)
	require.Equal(http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/admin/log-channel", "", true)
	require.Equal(http.StatusOK, rec.Code)
	var resp LogChannelsResponse
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal("log-default", resp.Default)
	assert.Equal(map[string]string{"g1": "log-g1"}, resp.Guilds)

	assert.Equal("log-g1", srv.Engine.Dispatcher.LogChannels.Get("g1"))
	assert.Equal("log-default", srv.Engine.Dispatcher.LogChannels.Get("g9"))

	rec = doRequest(srv, http.MethodPut, "/admin/log-channel", `{"guildId":"","channelId":""}`, true)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPut, "/admin/log-channel", `{"guildId":"","channelId":"log-new"}`, true)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("log-new", srv.Engine.Dispatcher.LogChannels.Default())
}

func TestServerPolicyFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policies.yaml")
	require.NoError(os.WriteFile(policyPath, []byte(`
policies:
  suspicious-link:
    enabled: false
  mass-ban:
    threshold: 10
logChannels:
  g5: log-g5
`), 0o644))
	setsPath := filepath.Join(dir, "sets.json")
	require.NoError(os.WriteFile(setsPath, []byte(`{"trusted-actors": ["mod-1"]}`), 0o644))

	srv, _ := testServer(t, Config{PolicyFile: policyPath, SetsFileJSON: setsPath})

	p, ok := srv.Engine.Policies().Get("suspicious-link")
	require.True(ok)
	assert.False(p.Enabled)
	p, _ = srv.Engine.Policies().Get("mass-ban")
	assert.Equal(10, p.Threshold)
	assert.Equal("log-g5", srv.Engine.Dispatcher.LogChannels.Get("g5"))
	assert.Nil(srv.watcher)

	// shortener set is seeded even when the sets file does not define it
	assert.NotEmpty(srv.Engine.Sets.(interface{ Members(string) []string }).Members("url-shorteners"))

	require.NoError(os.WriteFile(policyPath, []byte("policies:\n  no-such-policy:\n    enabled: false\n"), 0o644))
	_, err := NewServer(platform.NewMockPlatform("1"), Config{PolicyFile: policyPath})
	assert.Error(err)
}
