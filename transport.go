package acvp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	acvpVersion      = "1.0"
	transportTimeout = 30 * time.Second
	userAgent        = "acvpclient-go/1.0"

	// maxResponseBytes caps a server response body; a vector set for a
	// large Monte Carlo run is a few megabytes, so this is generous.
	maxResponseBytes = 64 * 1024 * 1024
)

var (
	requestCounter = ratecounter.NewRateCounter(60 * time.Second)

	serverResponseCodesCounterVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acvpclient",
			Subsystem: "http",
			Name:      "server_response_codes",
			Help:      "ACVP server response HTTP codes",
		},
		[]string{"method", "code"},
	)

	serverLatencyHist = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "acvpclient",
			Subsystem: "http",
			Buckets:   []float64{100, 500, 1000, 2500, 5000, 10000},
			Name:      "server_latency_msec",
			Help:      "ACVP server request latency in milliseconds",
		},
	)

	rpsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "acvpclient",
			Subsystem: "http",
			Name:      "average_last_min_rps",
			Help:      "Outgoing HTTP rps average for the last minute",
		},
	)
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(serverResponseCodesCounterVec)
		prometheus.MustRegister(serverLatencyHist)
		prometheus.MustRegister(rpsGauge)
	})
}

// TOTPCallback produces the one-time password included in login and
// refresh payloads.
type TOTPCallback func() (string, error)

// Transport talks to an ACVP server.  Every authenticated request
// carries the JWT from the last login; a 401 with the server's
// "JWT expired" body triggers one token refresh and one retry.
type Transport struct {
	ServerName  string
	ServerPort  int
	PathSegment string

	// TLS material.  CACertFile pins the server chain; CertFile and
	// KeyFile present a client certificate when the server demands one.
	CACertFile string
	CertFile   string
	KeyFile    string

	TOTP TOTPCallback

	// HTTPClient overrides the TLS-configured default, mainly for tests.
	HTTPClient *http.Client

	mu     sync.Mutex
	client *http.Client
	token  string
}

func NewTransport(serverName string, serverPort int, pathSegment string, totp TOTPCallback) *Transport {
	registerMetrics()
	return &Transport{
		ServerName:  serverName,
		ServerPort:  serverPort,
		PathSegment: pathSegment,
		TOTP:        totp,
	}
}

func (t *Transport) baseURL() string {
	return "https://" + t.ServerName + ":" + strconv.Itoa(t.ServerPort)
}

// url resolves an endpoint.  Vector set URLs arrive from the server as
// absolute paths; everything else hangs off the configured path segment.
func (t *Transport) url(endpoint string) string {
	if len(endpoint) > 0 && endpoint[0] == '/' {
		return t.baseURL() + endpoint
	}
	return t.baseURL() + "/" + t.PathSegment + "/" + endpoint
}

func (t *Transport) httpClient() (*http.Client, error) {
	if t.HTTPClient != nil {
		return t.HTTPClient, nil
	}
	if t.client != nil {
		return t.client, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA file: %v", ErrTransportFail, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrTransportFail, t.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading client certificate: %v", ErrTransportFail, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	t.client = &http.Client{
		Timeout:   transportTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return t.client, nil
}

// Login authenticates with the server and stores the returned JWT.
// Expired tokens are never refreshed during login.
func (t *Transport) Login(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.login(ctx, "")
}

// Refresh exchanges the current JWT plus a fresh one-time password for
// a new token.
func (t *Transport) Refresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked(ctx)
}

func (t *Transport) refreshLocked(ctx context.Context) error {
	if t.token == "" {
		return fmt.Errorf("%w: refresh without prior login", ErrJWTInvalid)
	}
	return t.login(ctx, t.token)
}

func (t *Transport) login(ctx context.Context, currentToken string) error {
	if t.TOTP == nil {
		return fmt.Errorf("%w: TOTP callback", ErrMissingArg)
	}
	totp, err := t.TOTP()
	if err != nil {
		return fmt.Errorf("%w: TOTP callback: %v", ErrTransportFail, err)
	}

	auth := map[string]string{"password": totp}
	if currentToken != "" {
		auth["accessToken"] = currentToken
	}
	payload, err := json.Marshal([]interface{}{
		map[string]string{"acvVersion": acvpVersion},
		auth,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	body, err := t.doRequest(ctx, http.MethodPost, t.url("login"), payload, false)
	if err != nil {
		return err
	}

	token, err := parseAccessToken(body)
	if err != nil {
		return err
	}
	t.token = token
	logString("login successful")
	return nil
}

// parseAccessToken digs the accessToken out of the login response, a
// JSON array of a version object followed by the token object.
func parseAccessToken(body []byte) (string, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return "", fmt.Errorf("%w: login response: %v", ErrMalformedJSON, err)
	}
	for _, elem := range elems {
		var obj struct {
			AccessToken string `json:"accessToken"`
		}
		if err := json.Unmarshal(elem, &obj); err != nil {
			continue
		}
		if obj.AccessToken != "" {
			return obj.AccessToken, nil
		}
	}
	return "", fmt.Errorf("%w: login response carries no accessToken", ErrMalformedJSON)
}

// SendTestSessionRegistration registers the client's capabilities and
// returns the server's test session description.
func (t *Transport) SendTestSessionRegistration(ctx context.Context, registration []byte) ([]byte, error) {
	return t.Post(ctx, "testSessions", registration)
}

// RetrieveVectorSet downloads one vector set from its server-supplied
// URL.
func (t *Transport) RetrieveVectorSet(ctx context.Context, vsURL string) ([]byte, error) {
	return t.Get(ctx, vsURL)
}

// SubmitVectorSetResults uploads the response for one vector set.
func (t *Transport) SubmitVectorSetResults(ctx context.Context, vsURL string, results []byte) ([]byte, error) {
	return t.Post(ctx, vsURL+"/results", results)
}

// RetrieveVectorSetResult fetches the server's verdict on previously
// submitted results.
func (t *Transport) RetrieveVectorSetResult(ctx context.Context, vsURL string) ([]byte, error) {
	return t.Get(ctx, vsURL+"/results")
}

// RetrieveExpectedResult fetches the expected results of a sample
// vector set.
func (t *Transport) RetrieveExpectedResult(ctx context.Context, vsURL string) ([]byte, error) {
	return t.Get(ctx, vsURL+"/expected")
}

func (t *Transport) Get(ctx context.Context, endpoint string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authRequest(ctx, http.MethodGet, t.url(endpoint), nil)
}

func (t *Transport) Post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authRequest(ctx, http.MethodPost, t.url(endpoint), body)
}

func (t *Transport) Put(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authRequest(ctx, http.MethodPut, t.url(endpoint), body)
}

// authRequest performs one authenticated request, refreshing the JWT
// and retrying once if the server reports it expired.
func (t *Transport) authRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	rsp, err := t.doRequest(ctx, method, url, body, true)
	if isErrJWTExpired(err) {
		logString("JWT expired, refreshing")
		if err := t.refreshLocked(ctx); err != nil {
			return nil, err
		}
		return t.doRequest(ctx, method, url, body, true)
	}
	return rsp, err
}

func isErrJWTExpired(err error) bool {
	return errors.Is(err, ErrJWTExpired)
}

func (t *Transport) doRequest(ctx context.Context, method, url string, body []byte, withAuth bool) ([]byte, error) {
	client, err := t.httpClient()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFail, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth && t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	requestCounter.Incr(1)
	rpsGauge.Set(float64(requestCounter.Rate()) / 60)

	start := time.Now()
	rsp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransportFail, method, url, err)
	}
	defer rsp.Body.Close()
	serverLatencyHist.Observe(float64(time.Since(start).Milliseconds()))
	serverResponseCodesCounterVec.WithLabelValues(method, strconv.Itoa(rsp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(rsp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransportFail, err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrDataTooLarge, maxResponseBytes)
	}

	logString(fmt.Sprintf("%s %s -> %d (%d bytes)", method, url, rsp.StatusCode, len(data)))

	switch {
	case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		return data, nil
	case rsp.StatusCode == http.StatusUnauthorized:
		if jwtExpiredBody(data) {
			return nil, fmt.Errorf("%w: %s %s", ErrJWTExpired, method, url)
		}
		return nil, fmt.Errorf("%w: %s %s: %s", ErrJWTInvalid, method, url, data)
	default:
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrTransportFail, method, url, rsp.StatusCode, data)
	}
}

// jwtExpiredBody matches the server's expired-token error object.
func jwtExpiredBody(data []byte) bool {
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	return obj.Error == "JWT expired"
}
