package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEAPITestClient(t *testing.T, handler http.HandlerFunc) *EAPIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewEAPIClient(EAPIConfig{
		Host:     u.Hostname(),
		Port:     port,
		Username: "admin",
		Password: "admin",
		Scheme:   "http",
	}, srv.Client(), nil)
}

func TestEAPIEnable(t *testing.T) {
	var gotReq eapiRequest
	client := newEAPITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/command-api", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []interface{}{
				map[string]interface{}{},
				map[string]interface{}{"version": "4.14.7M"},
			},
		})
	})

	result, err := client.Enable(context.Background(), []string{"show version"}, "json")
	require.NoError(t, err)
	require.Len(t, result, 1)

	var body map[string]string
	require.NoError(t, json.Unmarshal(result[0], &body))
	assert.Equal(t, "4.14.7M", body["version"])

	// "enable" is prepended on the wire but hidden from the caller.
	require.Len(t, gotReq.Params.Cmds, 2)
	assert.Equal(t, "enable", gotReq.Params.Cmds[0])
	assert.Equal(t, "runCmds", gotReq.Method)
}

func TestEAPIEnableFailureCarriesPartialData(t *testing.T) {
	client := newEAPITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"code":    1002,
				"message": "CLI command 3 of 4 'show bogus' failed: invalid command",
				"data": []interface{}{
					map[string]interface{}{},
					map[string]interface{}{"ok": true},
					map[string]interface{}{"errors": []string{"Invalid input"}},
				},
			},
		})
	})

	cmds := []string{"show clock", "show bogus", "show version"}
	_, err := client.Enable(context.Background(), cmds, "json")
	require.Error(t, err)

	var apiErr *EAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1002, apiErr.Code)
	assert.Equal(t, cmds, apiErr.Commands)
	// The enable entry is stripped: data now lines up with the
	// caller's commands, and the last entry is the failure.
	assert.Len(t, apiErr.Data, 2)
}

func TestEAPIHTTPError(t *testing.T) {
	client := newEAPITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := client.Enable(context.Background(), []string{"show version"}, "json")
	assert.Error(t, err)
}
