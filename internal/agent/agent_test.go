package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/scriptmesh/internal/config"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

const agentKey = "localagent1secret"

func newTestServer(t *testing.T, manifest string, manifestName string) *Server {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "ok.sh"), []byte("echo ok\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "fail.sh"), []byte("echo bad >&2\nexit 3\n"), 0o644))

	manifestPath := filepath.Join(dir, manifestName)
	if manifest != "" {
		require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))
	}
	cfg := config.AgentConfig{
		Name:         "test_ScriptMesh_Agent",
		APIKey:       agentKey,
		ScriptsDir:   scripts,
		ManifestPath: manifestPath,
	}
	return NewServer(cfg, "test", telemetry.NewCollector())
}

const jsonManifest = `{"scripts":[
  {"name":"ok","path":"ok.sh","description":"prints ok"},
  {"name":"fail","path":"fail.sh"},
  {"name":"ghost","path":"ghost.sh"}
]}`

func call(t *testing.T, h http.Handler, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set(api.AuthHeader, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHeartbeat(t *testing.T) {
	h := newTestServer(t, jsonManifest, "script_manifest.json").Handler()

	rr := call(t, h, http.MethodGet, api.HeartbeatPath, nil, agentKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.HeartbeatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.Equal(t, "test_ScriptMesh_Agent", resp.Agent)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, resp.Uptime)
}

func TestKeyRequired(t *testing.T) {
	h := newTestServer(t, jsonManifest, "script_manifest.json").Handler()

	rr := call(t, h, http.MethodGet, api.HeartbeatPath, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = call(t, h, http.MethodGet, api.ListScriptPath, nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = call(t, h, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListScripts(t *testing.T) {
	h := newTestServer(t, jsonManifest, "script_manifest.json").Handler()

	rr := call(t, h, http.MethodGet, api.ListScriptPath, nil, agentKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var m api.Manifest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	require.Len(t, m.Scripts, 3)
	assert.Equal(t, "ok", m.Scripts[0].Name)
	assert.Equal(t, "prints ok", m.Scripts[0].Description)
}

func TestListScriptsYAML(t *testing.T) {
	yml := "scripts:\n  - name: ok\n    path: ok.sh\n"
	h := newTestServer(t, yml, "script_manifest.yaml").Handler()

	rr := call(t, h, http.MethodGet, api.ListScriptPath, nil, agentKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var m api.Manifest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	require.Len(t, m.Scripts, 1)
	assert.Equal(t, "ok.sh", m.Scripts[0].Path)
}

func TestListScriptsMissingManifest(t *testing.T) {
	h := newTestServer(t, "", "script_manifest.json").Handler()

	rr := call(t, h, http.MethodGet, api.ListScriptPath, nil, agentKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "Manifest file not found")
}

func TestRunScript(t *testing.T) {
	h := newTestServer(t, jsonManifest, "script_manifest.json").Handler()

	rr := call(t, h, http.MethodPost, api.RunScriptPath, api.RunScriptRequest{ScriptName: "ok"}, agentKey)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var reply api.RunScriptReply
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reply))
	assert.Equal(t, "success", reply.Status)
	assert.Equal(t, "ok", reply.Script)
	assert.Equal(t, "ok", reply.Output.Stdout)
	assert.Equal(t, 0, reply.Output.ReturnCode)
}

func TestRunScriptFailure(t *testing.T) {
	h := newTestServer(t, jsonManifest, "script_manifest.json").Handler()

	rr := call(t, h, http.MethodPost, api.RunScriptPath, api.RunScriptRequest{ScriptName: "fail"}, agentKey)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var failure api.RunScriptFailure
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failure))
	assert.Equal(t, "Script execution failed", failure.Error)
	assert.Equal(t, "bad", failure.Stderr)
	assert.Equal(t, 3, failure.ReturnCode)
}

func TestRunScriptNotFound(t *testing.T) {
	h := newTestServer(t, jsonManifest, "script_manifest.json").Handler()

	rr := call(t, h, http.MethodPost, api.RunScriptPath, api.RunScriptRequest{ScriptName: "nope"}, agentKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "Script not found in manifest")

	rr = call(t, h, http.MethodPost, api.RunScriptPath, api.RunScriptRequest{ScriptName: "ghost"}, agentKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "Script file missing on disk")

	rr = call(t, h, http.MethodPost, api.RunScriptPath, map[string]string{}, agentKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCommand(t *testing.T) {
	name, args := command(api.ManifestEntry{}, "/s/backup.py")
	assert.Equal(t, "python3", name)
	assert.Equal(t, []string{"/s/backup.py"}, args)

	name, args = command(api.ManifestEntry{Interpreter: "bash", Args: []string{"-v"}}, "/s/x")
	assert.Equal(t, "bash", name)
	assert.Equal(t, []string{"/s/x", "-v"}, args)

	name, args = command(api.ManifestEntry{}, "/s/bin")
	assert.Equal(t, "/s/bin", name)
	assert.Empty(t, args)
}

func TestMTLSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	_, err := ConfigureTLS(MTLSConfig{})
	assert.Error(t, err)
}

func registrationConfig(url string) config.AgentConfig {
	return config.AgentConfig{
		Name:             "web1",
		AdvertiseURL:     "http://10.0.0.5:5001",
		APIKey:           agentKey,
		OrchestratorURL:  url,
		OrchestratorKey:  "main",
		RegisterAttempts: 5,
		RegisterDelay:    10 * time.Millisecond,
	}
}

func TestRegisterRetriesTransientFailures(t *testing.T) {
	var hits int32
	orch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/register-agent", r.URL.Path)
		assert.Equal(t, "main", r.Header.Get(api.AuthHeader))
		var req api.RegisterAgentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, api.RegisterAgentRequest{AgentName: "web1", URL: "http://10.0.0.5:5001", APIKey: agentKey}, req)
		_ = json.NewEncoder(w).Encode(api.RegisterAgentResponse{Status: "registered", Agent: req.AgentName})
	}))
	defer orch.Close()

	require.NoError(t, Register(context.Background(), registrationConfig(orch.URL)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestRegisterDoesNotRetryRejection(t *testing.T) {
	var hits int32
	orch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Unauthorized"}`))
	}))
	defer orch.Close()

	err := Register(context.Background(), registrationConfig(orch.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRegisterGivesUp(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	url := gone.URL
	gone.Close()

	cfg := registrationConfig(url)
	cfg.RegisterAttempts = 2
	err := Register(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
}
