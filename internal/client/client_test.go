package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

func TestClientSendsKeyAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(api.AuthHeader) != "main" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Unauthorized"}`)
			return
		}
		switch r.URL.Path {
		case "/agent-status":
			_, _ = io.WriteString(w, `{"A1":{"url":"http://a:1","last_seen":"2026-01-01T00:00:00Z","status":"online","last_checked":"2026-01-01T00:01:00Z"}}`)
		case "/get-scripts":
			assert.Equal(t, "A1", r.URL.Query().Get("agent"))
			_, _ = io.WriteString(w, `{"scripts":[]}`)
		case "/trigger-script":
			var req api.TriggerScriptRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, api.TriggerScriptRequest{RunScript: "foo", Agent: "A1"}, req)
			_, _ = io.WriteString(w, `{"status":"success","agent":"A1","output":{"status":"success","script":"foo","output":{"stdout":"ok","stderr":"","returncode":0}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "main", time.Second)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st["A1"].LastChecked)
	assert.Equal(t, "online", st["A1"].Status)

	scripts, err := c.Scripts(ctx, "A1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scripts":[]}`, string(scripts))

	out, err := c.Trigger(ctx, "A1", "foo")
	require.NoError(t, err)
	var reply api.RunScriptReply
	require.NoError(t, json.Unmarshal(out.Output, &reply))
	assert.Equal(t, "ok", reply.Output.Stdout)

	_, err = New(srv.URL, "bad", time.Second).Agents(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Unauthorized", apiErr.Detail)
}
