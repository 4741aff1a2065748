package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/devloop/internal/appctx"
	"github.com/carlosprados/devloop/internal/overrides"
	"github.com/carlosprados/devloop/internal/remote"
	"github.com/carlosprados/devloop/internal/restart"
	"github.com/carlosprados/devloop/internal/state"
	"github.com/carlosprados/devloop/internal/store"
)

type fakeRestarter struct {
	enabled  bool
	files    *overrides.Table
	restarts atomic.Int32
	waited   atomic.Int32
	history  *store.History
}

func (f *fakeRestarter) Enabled() bool                       { return f.enabled }
func (f *fakeRestarter) IsFinished() bool                    { return true }
func (f *fakeRestarter) MainName() string                    { return "main.run" }
func (f *fakeRestarter) URLs() []string                      { return []string{"/app/classes"} }
func (f *fakeRestarter) OverrideFiles() *overrides.Table     { return f.files.Clone() }
func (f *fakeRestarter) AddOverrideFiles(t *overrides.Table) { f.files.AddAll(t) }
func (f *fakeRestarter) Restart(restart.FailureHandler)      { f.restarts.Add(1) }
func (f *fakeRestarter) RestartAndWait(restart.FailureHandler) (restart.CycleReport, bool) {
	f.waited.Add(1)
	f.history.Upsert(state.RestartRecord{ID: "sync", Outcome: "started"})
	// a concurrent cycle finishing later must not be reported
	f.history.Upsert(state.RestartRecord{ID: "other", Outcome: "aborted"})
	return restart.CycleReport{ID: "sync"}, true
}

func newTestServer(t *testing.T, enabled bool) (*fakeRestarter, *store.History, *httptest.Server) {
	t.Helper()
	h := store.NewHistory(10, "")
	fr := &fakeRestarter{enabled: enabled, files: overrides.NewTable(), history: h}
	rh, err := remote.NewHandler(fr, "s3cret")
	require.NoError(t, err)
	s := New(Options{
		Restarter: fr,
		History:   h,
		Remote:    rh,
		Components: func() []appctx.ComponentInfo {
			return []appctx.ComponentInfo{{Name: "http", State: appctx.StateRunning}}
		},
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return fr, h, srv
}

func TestHealthz(t *testing.T) {
	_, _, srv := newTestServer(t, true)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "main.run", body["main"])
}

func TestRestartEndpoint(t *testing.T) {
	fr, _, srv := newTestServer(t, true)

	resp, err := http.Post(srv.URL+"/v1/restart", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int32(1), fr.restarts.Load())

	resp, err = http.Post(srv.URL+"/v1/restart?wait=true", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rec state.RestartRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "sync", rec.ID)

	resp, err = http.Get(srv.URL + "/v1/restart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRestartEndpointWhenDisabled(t *testing.T) {
	fr, _, srv := newTestServer(t, false)
	resp, err := http.Post(srv.URL+"/v1/restart", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Zero(t, fr.restarts.Load())
}

func TestRestartsListing(t *testing.T) {
	_, h, srv := newTestServer(t, true)
	h.Upsert(state.RestartRecord{ID: "a", Outcome: "started", Completed: time.Now()})
	h.Upsert(state.RestartRecord{ID: "b", Outcome: "aborted"})

	resp, err := http.Get(srv.URL + "/v1/restarts")
	require.NoError(t, err)
	var list []state.RestartRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	resp, err = http.Get(srv.URL + "/v1/restarts/a")
	require.NoError(t, err)
	var rec state.RestartRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, "started", rec.Outcome)

	resp, err = http.Get(srv.URL + "/v1/restarts/zzz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoteUploadShowsInOverrides(t *testing.T) {
	fr, _, srv := newTestServer(t, true)
	body := `{"source_directories":{"/app/classes":{"com/x/B.class":[{"kind":"MODIFIED","last_modified":"2024-01-01T00:00:00Z","contents":"djI="}]}}}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+remote.DefaultPath, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(remote.SecretHeader, "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), fr.restarts.Load())

	resp, err = http.Get(srv.URL + "/v1/overrides")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Size    int               `json:"size"`
		Entries []overrides.Entry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 1, got.Size)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "com/x/B.class", got.Entries[0].Name)
	assert.Equal(t, 2, got.Entries[0].Size)
}

func TestComponentsAndLanding(t *testing.T) {
	_, _, srv := newTestServer(t, true)
	resp, err := http.Get(srv.URL + "/v1/components")
	require.NoError(t, err)
	var list []appctx.ComponentInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, appctx.StateRunning, list[0].State)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
