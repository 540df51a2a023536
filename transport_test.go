package acvp

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, handler http.Handler) (*Transport, *httptest.Server) {
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.Nil(t, err, "parsing test server URL: %v", err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.Nil(t, err, "splitting test server host: %v", err)
	port, err := strconv.Atoi(portStr)
	require.Nil(t, err, "parsing test server port: %v", err)

	tr := NewTransport(host, port, "acvp/v1", func() (string, error) {
		return "123456", nil
	})
	tr.HTTPClient = server.Client()
	return tr, server
}

func loginResponse(token string) []byte {
	out, _ := json.Marshal([]interface{}{
		map[string]string{"acvVersion": acvpVersion},
		map[string]string{"accessToken": token},
	})
	return out
}

func TestTransportLogin(t *testing.T) {
	var sawPassword string
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/acvp/v1/login", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		body, _ := io.ReadAll(r.Body)
		var elems []map[string]string
		require.Nil(t, json.Unmarshal(body, &elems), "login payload should be a JSON array")
		for _, e := range elems {
			if pw, ok := e["password"]; ok {
				sawPassword = pw
			}
		}
		w.Write(loginResponse("token-1"))
	}))

	err := tr.Login(context.Background())
	require.Nil(t, err, "login failed: %v", err)
	require.Equal(t, "123456", sawPassword, "TOTP not included in login payload")
	require.Equal(t, "token-1", tr.token)
}

func TestTransportBearerToken(t *testing.T) {
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/acvp/v1/login" {
			w.Write(loginResponse("token-2"))
			return
		}
		require.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true}`))
	}))

	require.Nil(t, tr.Login(context.Background()))
	body, err := tr.RetrieveVectorSet(context.Background(), "/acvp/v1/testSessions/1/vectorSets/2")
	require.Nil(t, err, "retrieve failed: %v", err)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

func TestTransportRefreshOnExpiredJWT(t *testing.T) {
	logins := 0
	gets := 0
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acvp/v1/login":
			logins++
			// Refresh must include the stale token.
			body, _ := io.ReadAll(r.Body)
			var elems []map[string]string
			require.Nil(t, json.Unmarshal(body, &elems))
			found := false
			for _, e := range elems {
				if e["accessToken"] == "stale" {
					found = true
				}
			}
			require.True(t, found, "refresh payload missing current token")
			w.Write(loginResponse("fresh"))
		default:
			gets++
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"JWT expired"}`))
				return
			}
			w.Write([]byte(`{"vsId":2}`))
		}
	}))

	tr.token = "stale"
	body, err := tr.RetrieveVectorSet(context.Background(), "/acvp/v1/testSessions/1/vectorSets/2")
	require.Nil(t, err, "retrieve after refresh failed: %v", err)
	require.JSONEq(t, `{"vsId":2}`, string(body))
	require.Equal(t, 1, logins, "expected exactly one refresh login")
	require.Equal(t, 2, gets, "expected the request to be retried once")
}

func TestTransportNoRefreshLoop(t *testing.T) {
	gets := 0
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/acvp/v1/login" {
			w.Write(loginResponse("still-bad"))
			return
		}
		gets++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"JWT expired"}`))
	}))

	tr.token = "stale"
	_, err := tr.RetrieveVectorSet(context.Background(), "/acvp/v1/testSessions/1/vectorSets/2")
	require.ErrorIs(t, err, ErrJWTExpired, "second expiry should surface, not loop")
	require.Equal(t, 2, gets, "expected exactly one retry")
}

func TestTransportInvalidJWT(t *testing.T) {
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"JWT signature does not match"}`))
	}))

	tr.token = "bogus"
	_, err := tr.Get(context.Background(), "testSessions")
	require.ErrorIs(t, err, ErrJWTInvalid)
}

func TestTransportEndpointPaths(t *testing.T) {
	var paths []string
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	tr.token = "tok"

	ctx := context.Background()
	vsURL := "/acvp/v1/testSessions/7/vectorSets/3"

	_, err := tr.SendTestSessionRegistration(ctx, []byte(`[]`))
	require.Nil(t, err)
	_, err = tr.SubmitVectorSetResults(ctx, vsURL, []byte(`{}`))
	require.Nil(t, err)
	_, err = tr.RetrieveVectorSetResult(ctx, vsURL)
	require.Nil(t, err)
	_, err = tr.RetrieveExpectedResult(ctx, vsURL)
	require.Nil(t, err)

	require.Equal(t, []string{
		"POST /acvp/v1/testSessions",
		"POST " + vsURL + "/results",
		"GET " + vsURL + "/results",
		"GET " + vsURL + "/expected",
	}, paths)
}

func TestTransportServerError(t *testing.T) {
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	_, err := tr.Get(context.Background(), "testSessions")
	require.ErrorIs(t, err, ErrTransportFail)
}

func TestParseAccessToken(t *testing.T) {
	token, err := parseAccessToken(loginResponse("abc"))
	require.Nil(t, err)
	require.Equal(t, "abc", token)

	_, err = parseAccessToken([]byte(`[{"acvVersion":"1.0"}]`))
	require.ErrorIs(t, err, ErrMalformedJSON, "a response without a token should be rejected")

	_, err = parseAccessToken([]byte(`{"accessToken":"abc"}`))
	require.ErrorIs(t, err, ErrMalformedJSON, "a non-array response should be rejected")
}
