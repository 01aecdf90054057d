package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AgentConfig is the agent daemon configuration. It comes from the
// environment and secrets.env; command-line flags override it.
type AgentConfig struct {
	Name         string
	Listen       string
	AdvertiseURL string
	APIKey       string

	OrchestratorURL string
	OrchestratorKey string
	// RegisterAttempts of zero disables self-registration.
	RegisterAttempts int
	RegisterDelay    time.Duration

	ScriptsDir    string
	ManifestPath  string
	ScriptTimeout time.Duration

	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireMTLS bool

	Log LogConfig
}

// LoadAgentConfig builds the agent configuration from the environment.
func LoadAgentConfig() (AgentConfig, error) {
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return AgentConfig{}, err
	}
	return agentConfigFrom(lookupWith(secrets)), nil
}

func agentConfigFrom(lookup func(string) (string, bool)) AgentConfig {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return def
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	listen := get("AGENT_LISTEN", ":5001")

	c := AgentConfig{
		Name:             get("AGENT_NAME", host+"_ScriptMesh_Agent"),
		Listen:           listen,
		APIKey:           get("SCRIPT_MESH_AGENT_KEY", ""),
		OrchestratorURL:  get("ORCHESTRATOR_URL", "http://localhost:8000"),
		OrchestratorKey:  get("SCRIPT_MESH_MAIN_KEY", ""),
		RegisterAttempts: 5,
		RegisterDelay:    3 * time.Second,
		ScriptsDir:       get("SCRIPTS_DIR", "scripts"),
		ManifestPath:     get("MANIFEST_PATH", filepath.Join("cfg", "script_manifest.json")),
		TLSCert:          get("SCRIPT_MESH_AGENT_TLS_CERT", ""),
		TLSKey:           get("SCRIPT_MESH_AGENT_TLS_KEY", ""),
		ClientCA:         get("SCRIPT_MESH_AGENT_CLIENT_CA", ""),
		Log:              LogConfig{Level: get("SCRIPT_MESH_LOG_LEVEL", "info"), Dir: get("SCRIPT_MESH_LOG_DIR", "logs"), CompressDays: 7},
	}
	if v, ok := lookup("SCRIPT_MESH_AGENT_REQUIRE_MTLS"); ok {
		c.RequireMTLS, _ = strconv.ParseBool(v)
	}
	if v, ok := lookup("REGISTER_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RegisterAttempts = n
		}
	}
	if v, ok := lookup("SCRIPT_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.ScriptTimeout = d
		}
	}
	c.AdvertiseURL = get("AGENT_URL", defaultAdvertiseURL(host, listen, c.TLSCert != ""))
	return c
}

func defaultAdvertiseURL(host, listen string, tls bool) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		port = "5001"
	}
	if addrs, err := net.LookupHost(host); err == nil {
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				host = a
				break
			}
		}
	}
	scheme := "http"
	if tls {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port))
}

// Validate reports settings the agent cannot start with.
func (c AgentConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("agent key is required (set SCRIPT_MESH_AGENT_KEY)")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("TLS needs both a certificate and a key")
	}
	if c.RequireMTLS && c.ClientCA == "" {
		return errors.New("mTLS needs a client CA (set SCRIPT_MESH_AGENT_CLIENT_CA)")
	}
	if c.RegisterAttempts > 0 && c.OrchestratorKey == "" {
		return errors.New("self-registration needs SCRIPT_MESH_MAIN_KEY")
	}
	if !strings.HasPrefix(c.AdvertiseURL, "http://") && !strings.HasPrefix(c.AdvertiseURL, "https://") {
		return fmt.Errorf("agent URL %q must be http or https", c.AdvertiseURL)
	}
	return nil
}
