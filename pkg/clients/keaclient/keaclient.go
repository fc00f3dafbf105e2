package keaclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jbweber/homelab/keaport/internal/config"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/pkg/models/keamodels"
)

// DefaultPort is the Kea Control Agent's default HTTP port.
const DefaultPort = "8000"

// ErrEmptyResponse is returned when the agent answers without any daemon response.
var ErrEmptyResponse = errors.New("empty response")

type keaClient struct {
	BaseUrl    string
	Port       string
	HttpClient *http.Client

	// TLS options
	CACertPath         string
	ClientCertPath     string
	ClientKeyPath      string
	InsecureSkipVerify bool
	ServerName         string

	Username string
	Password string

	Timeout time.Duration
}

func NewKeaClient(baseUrl, port string) *keaClient {
	return NewKeaClientWithOptions(OptionHost(baseUrl), OptionPort(port))
}

// NewKeaClientWithOptions creates a client using functional options.
func NewKeaClientWithOptions(opts ...KeaOption) *keaClient {
	kc := getDefaultKeaConnectionConfig()
	kc.applyOptions(opts...)
	kc.buildHTTPClient()
	return kc
}

// NewKeaClientFromConfig builds a Kea client from the kea section of the
// service configuration.
func NewKeaClientFromConfig(cfg config.KeaConfig) *keaClient {
	return NewKeaClientWithOptions(
		OptionHost(cfg.URL),
		OptionPort(cfg.Port),
		OptionTLS(cfg.CAFile, cfg.CertFile, cfg.KeyFile),
		OptionInsecureSkipVerify(cfg.Insecure),
		OptionServerName(cfg.ServerName),
		OptionTimeout(cfg.Timeout),
		OptionBasicAuth(cfg.Username, cfg.Password),
	)
}

func getDefaultKeaConnectionConfig() *keaClient {
	kc := &keaClient{}
	kc.applyDefaults()
	return kc
}

func (kc *keaClient) applyOptions(options ...KeaOption) {
	for _, opt := range options {
		opt.apply(kc)
	}
}

func (kc *keaClient) applyDefaults() {
	kc.Timeout = 10 * time.Second
	kc.HttpClient = &http.Client{Timeout: kc.Timeout}
}

// Send posts cmd to the Control Agent and returns the first daemon response.
// The agent answers with a JSON array (one element per service) for
// forwarded commands and with a single object for its own errors.
func (c *keaClient) Send(ctx context.Context, cmd keamodels.Request) (keamodels.Response, error) {
	base, err := c.buildBaseURL()
	if err != nil {
		return keamodels.Response{}, err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return keamodels.Response{}, fmt.Errorf("failed to encode %s: %w", cmd.Command, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/", bytes.NewReader(body))
	if err != nil {
		return keamodels.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return keamodels.Response{}, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Logger.Error().Err(cerr).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return keamodels.Response{}, fmt.Errorf("kea %s: unexpected status %d: %s",
			cmd.Command, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return decodeResponse(resp.Body)
}

func decodeResponse(r io.Reader) (keamodels.Response, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return keamodels.Response{}, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var single keamodels.Response
		if err := json.Unmarshal(raw, &single); err != nil {
			return keamodels.Response{}, err
		}
		return single, nil
	}
	var out []keamodels.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return keamodels.Response{}, err
	}
	if len(out) == 0 {
		return keamodels.Response{}, ErrEmptyResponse
	}
	return out[0], nil
}

// buildBaseURL constructs a full base URL including scheme and port if needed.
func (c *keaClient) buildBaseURL() (string, error) {
	s := c.BaseUrl
	if s == "" {
		return "", errors.New("base URL is empty")
	}
	s = strings.TrimRight(s, "/")
	if !strings.Contains(s, "://") {
		// Default to https if TLS certs are configured, else http
		if c.ClientCertPath != "" || c.CACertPath != "" {
			s = "https://" + s
		} else {
			s = "http://" + s
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No port present; add if provided
		if c.Port != "" {
			host = net.JoinHostPort(u.Hostname(), c.Port)
		}
	}
	u.Host = host
	return u.String(), nil
}

// buildHTTPClient builds the HTTP client with TLS settings, if any are provided.
func (c *keaClient) buildHTTPClient() {
	if c.HttpClient == nil {
		c.HttpClient = &http.Client{}
	}
	c.HttpClient.Timeout = c.Timeout

	tlsNeeded := c.CACertPath != "" ||
		(c.ClientCertPath != "" && c.ClientKeyPath != "") ||
		c.InsecureSkipVerify ||
		c.ServerName != ""
	if !tlsNeeded {
		return
	}

	// #nosec G402 -- InsecureSkipVerify is intentionally allowed for test/dev usage.
	tlsCfg := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.ServerName != "" {
		tlsCfg.ServerName = c.ServerName
	}
	if c.CACertPath != "" {
		caPEM, err := os.ReadFile(c.CACertPath)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", c.CACertPath).Msg("failed to read kea CA file")
		} else {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(caPEM) {
				tlsCfg.RootCAs = pool
			}
		}
	}
	if c.ClientCertPath != "" && c.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("failed to load kea client certificate")
		} else {
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
	}
	c.HttpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
}
