package devices

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntc-tools/gontc/pkg/transport"
)

// eapiScript answers runCmds requests from a table keyed by the first
// real command in the batch (after the injected "enable").
type eapiScript struct {
	results map[string][]interface{}
	err     map[string]map[string]interface{}
	batches [][]string
}

func (s *eapiScript) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params struct {
				Cmds []interface{} `json:"cmds"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		cmds := make([]string, 0, len(req.Params.Cmds))
		for _, c := range req.Params.Cmds {
			if str, ok := c.(string); ok {
				cmds = append(cmds, str)
			}
		}
		s.batches = append(s.batches, cmds)
		key := ""
		if len(cmds) > 1 {
			key = cmds[1]
		}
		if errBody, ok := s.err[key]; ok {
			json.NewEncoder(w).Encode(map[string]interface{}{"error": errBody})
			return
		}
		result := []interface{}{map[string]interface{}{}}
		if res, ok := s.results[key]; ok {
			result = append(result, res...)
		} else {
			for range cmds[1:] {
				result = append(result, map[string]interface{}{})
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}
}

func newTestEOS(t *testing.T, script *eapiScript) *EOSDevice {
	t.Helper()
	srv := httptest.NewServer(script.handler(t))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	dev, err := New(TypeEOS, Config{Host: u.Hostname(), Port: port, Username: "admin", Password: "pw"})
	require.NoError(t, err)
	eos, ok := dev.(*EOSDevice)
	require.True(t, ok)
	eos.api = transport.NewEAPIClient(transport.EAPIConfig{
		Host:     u.Hostname(),
		Port:     port,
		Username: "admin",
		Password: "pw",
		Scheme:   "http",
	}, srv.Client(), nil)
	return eos
}

func TestEOSShowStructured(t *testing.T) {
	script := &eapiScript{
		results: map[string][]interface{}{
			"show version": {map[string]interface{}{"version": "4.14.7M", "modelName": "DCS-7050"}},
		},
	}
	eos := newTestEOS(t, script)

	res, err := eos.Show(context.Background(), "show version", nil)
	require.NoError(t, err)
	data, ok := res.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "4.14.7M", data["version"])
}

func TestEOSShowListFailureReportsAttemptedPrefix(t *testing.T) {
	script := &eapiScript{
		err: map[string]map[string]interface{}{
			"show clock": {
				"code":    1002,
				"message": "CLI command 3 of 4 'show bogus' failed",
				"data": []interface{}{
					map[string]interface{}{},
					map[string]interface{}{"ok": true},
					map[string]interface{}{"errors": []string{"Invalid input"}},
				},
			},
		},
	}
	eos := newTestEOS(t, script)

	_, err := eos.ShowList(context.Background(), []string{"show clock", "show bogus", "show version"}, nil)
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, []string{"show clock", "show bogus"}, seqErr.Attempted)
	assert.Equal(t, "show bogus", seqErr.Command)
}

func TestEOSRebootTimerRejected(t *testing.T) {
	script := &eapiScript{}
	eos := newTestEOS(t, script)

	err := eos.Reboot(context.Background(), &RebootOptions{Timer: 5 * time.Minute})
	var timerErr *RebootTimerError
	require.ErrorAs(t, err, &timerErr)
	assert.Equal(t, TypeEOS, timerErr.DeviceType)
	// The rejection never produced an API call.
	assert.Empty(t, script.batches)
}

func TestEOSBootOptions(t *testing.T) {
	script := &eapiScript{
		results: map[string][]interface{}{
			"show boot-config": {map[string]interface{}{"softwareImage": "flash:/EOS-4.14.7M.swi"}},
		},
	}
	eos := newTestEOS(t, script)

	boot, err := eos.BootOptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EOS-4.14.7M.swi", boot.Sys)
}

func TestEOSConfigWrapsConfigureSession(t *testing.T) {
	script := &eapiScript{}
	eos := newTestEOS(t, script)

	_, err := eos.Config(context.Background(), []string{"vlan 10", "name users"}, nil)
	require.NoError(t, err)
	require.Len(t, script.batches, 1)
	assert.Equal(t, []string{"enable", "configure", "vlan 10", "name users"}, script.batches[0])
}

func TestEOSFactsUptimeFromBootTimestamp(t *testing.T) {
	boot := float64(time.Now().Unix() - 7200)
	script := &eapiScript{
		results: map[string][]interface{}{
			"show version": {map[string]interface{}{
				"version":         "4.14.7M",
				"modelName":       "DCS-7050",
				"serialNumber":    "JPE14080459",
				"bootupTimestamp": boot,
			}},
			"show hostname": {map[string]interface{}{"hostname": "sw01", "fqdn": "sw01.ntc.example.com"}},
		},
	}
	eos := newTestEOS(t, script)

	facts, err := eos.Facts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "arista", facts.Vendor)
	assert.Equal(t, "sw01", facts.Hostname)
	assert.Equal(t, "sw01.ntc.example.com", facts.FQDN)
	assert.InDelta(t, 7200, facts.Uptime, 5)
}
