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
)

// nxapiScript answers ins_api requests one command at a time.
type nxapiScript struct {
	bodies map[string]interface{}
	fail   map[string]string
	inputs []string
}

func (s *nxapiScript) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			InsAPI struct {
				Type  string `json:"type"`
				Input string `json:"input"`
			} `json:"ins_api"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.inputs = append(s.inputs, req.InsAPI.Input)

		output := map[string]interface{}{
			"code":  "200",
			"msg":   "Success",
			"input": req.InsAPI.Input,
			"body":  map[string]interface{}{},
		}
		if msg, ok := s.fail[req.InsAPI.Input]; ok {
			output["code"] = "400"
			output["msg"] = msg
			delete(output, "body")
		} else if body, ok := s.bodies[req.InsAPI.Input]; ok {
			output["body"] = body
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ins_api": map[string]interface{}{
				"outputs": map[string]interface{}{"output": output},
			},
		})
	}
}

func newTestNXOS(t *testing.T, script *nxapiScript) *NXOSDevice {
	t.Helper()
	srv := httptest.NewServer(script.handler(t))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	dev, err := New(TypeNXOS, Config{Host: u.Hostname(), Port: port, Username: "admin", Password: "pw"},
		WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	nxos, ok := dev.(*NXOSDevice)
	require.True(t, ok)
	return nxos
}

func TestNXOSShowListNeverSendsPastFailure(t *testing.T) {
	script := &nxapiScript{
		bodies: map[string]interface{}{"show clock": map[string]interface{}{"simple_time": "12:00:00"}},
		fail:   map[string]string{"show bogus": "Input CLI command error"},
	}
	nxos := newTestNXOS(t, script)

	_, err := nxos.ShowList(context.Background(), []string{"show clock", "show bogus", "show version"}, nil)
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, []string{"show clock", "show bogus"}, seqErr.Attempted)
	// Each command is its own request; the third was never issued.
	assert.Equal(t, []string{"show clock", "show bogus"}, script.inputs)
}

func TestNXOSConfigSequential(t *testing.T) {
	script := &nxapiScript{}
	nxos := newTestNXOS(t, script)

	responses, err := nxos.Config(context.Background(), []string{"vlan 10", "name users"}, nil)
	require.NoError(t, err)
	assert.Len(t, responses, 2)
	assert.Equal(t, []string{"vlan 10", "name users"}, script.inputs)
}

func TestNXOSFacts(t *testing.T) {
	script := &nxapiScript{
		bodies: map[string]interface{}{
			"show version": map[string]interface{}{
				"host_name":      "nxos-spine1",
				"sys_ver_str":    "7.0(3)I7(1)",
				"chassis_id":     "Nexus 9000",
				"proc_board_id":  "SAL1819S6LU",
				"kern_uptm_days": 4, "kern_uptm_hrs": 12, "kern_uptm_mins": 17, "kern_uptm_secs": 0,
			},
			"show interface status": map[string]interface{}{
				"TABLE_interface": map[string]interface{}{
					"ROW_interface": []interface{}{
						map[string]interface{}{"interface": "mgmt0"},
						map[string]interface{}{"interface": "Ethernet1/1"},
					},
				},
			},
			"show vlan brief": map[string]interface{}{
				"TABLE_vlanbriefxbrief": map[string]interface{}{
					"ROW_vlanbriefxbrief": map[string]interface{}{"vlanshowbr-vlanid": "1"},
				},
			},
		},
	}
	nxos := newTestNXOS(t, script)

	facts, err := nxos.Facts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cisco", facts.Vendor)
	assert.Equal(t, "nxos-spine1", facts.Hostname)
	assert.Equal(t, "7.0(3)I7(1)", facts.OSVersion)
	assert.Equal(t, 389820, facts.Uptime)
	assert.Equal(t, "04:12:17:00", facts.UptimeString)
	assert.Equal(t, []string{"mgmt0", "Ethernet1/1"}, facts.Interfaces)
	assert.Equal(t, []string{"1"}, facts.VLANs)
}

func TestNXOSBootOptionsWithKickstart(t *testing.T) {
	script := &nxapiScript{
		bodies: map[string]interface{}{
			"show boot": "kickstart variable = bootflash:/n9000-kickstart.bin\nsys variable = bootflash:/n9000-sys.bin",
		},
	}
	nxos := newTestNXOS(t, script)

	boot, err := nxos.BootOptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "n9000-sys.bin", boot.Sys)
	assert.Equal(t, "n9000-kickstart.bin", boot.Kickstart)
}

func TestNXOSRebootTimerRejected(t *testing.T) {
	script := &nxapiScript{}
	nxos := newTestNXOS(t, script)

	err := nxos.Reboot(context.Background(), &RebootOptions{Timer: time.Minute})
	var timerErr *RebootTimerError
	require.ErrorAs(t, err, &timerErr)
	assert.Empty(t, script.inputs)
}

func TestNXOSCheckpointAndRollback(t *testing.T) {
	script := &nxapiScript{}
	nxos := newTestNXOS(t, script)

	require.NoError(t, nxos.Checkpoint(context.Background(), "pre-change"))
	require.NoError(t, nxos.Rollback(context.Background(), "pre-change"))
	assert.Equal(t, []string{"checkpoint file pre-change", "rollback running-config file pre-change"}, script.inputs)
}
