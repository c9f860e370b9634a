package devices

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntc-tools/gontc/pkg/transport"
)

// fakeNetconfSession scripts RPC replies keyed by a substring of the
// request body.
type fakeNetconfSession struct {
	replies map[string]string
	errOn   map[string]string
	calls   []string
	closed  bool
}

func newFakeNetconfSession() *fakeNetconfSession {
	return &fakeNetconfSession{
		replies: map[string]string{},
		errOn:   map[string]string{},
	}
}

func (f *fakeNetconfSession) Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error) {
	body := ""
	for _, m := range methods {
		body += m.MarshalMethod()
	}
	f.calls = append(f.calls, body)
	for key, msg := range f.errOn {
		if strings.Contains(body, key) {
			return &netconf.RPCReply{Errors: []netconf.RPCError{{Severity: "error", Message: msg}}}, nil
		}
	}
	for key, data := range f.replies {
		if strings.Contains(body, key) {
			return &netconf.RPCReply{Data: data}, nil
		}
	}
	return &netconf.RPCReply{Data: ""}, nil
}

func (f *fakeNetconfSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeNetconfSession) callsContaining(sub string) int {
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func newTestJunos(t *testing.T, session *fakeNetconfSession) *JunosDevice {
	t.Helper()
	dev, err := New(TypeJunos, Config{Host: "mx01", Username: "admin", Password: "pw"},
		WithNetconfDialer(func() (transport.NetconfSession, error) { return session, nil }))
	require.NoError(t, err)
	junos, ok := dev.(*JunosDevice)
	require.True(t, ok)
	require.NoError(t, junos.Open(context.Background()))
	return junos
}

const junosSoftwareInfoXML = `<software-information>
<host-name>mx01</host-name>
<product-model>mx960</product-model>
<junos-version>15.1F4.15</junos-version>
</software-information>`

const junosUptimeXML = `<system-uptime-information>
<uptime-information>
<up-time seconds="390780">4 days, 12:33</up-time>
</uptime-information>
</system-uptime-information>`

func TestJunosFacts(t *testing.T) {
	session := newFakeNetconfSession()
	session.replies["get-software-information"] = junosSoftwareInfoXML
	session.replies["get-system-uptime-information"] = junosUptimeXML
	junos := newTestJunos(t, session)

	facts, err := junos.Facts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "juniper", facts.Vendor)
	assert.Equal(t, "mx01", facts.Hostname)
	assert.Equal(t, "mx960", facts.Model)
	assert.Equal(t, "15.1F4.15", facts.OSVersion)
	assert.Equal(t, 390780, facts.Uptime)
	assert.Equal(t, "04:12:33:00", facts.UptimeString)
}

func TestJunosConfigLoadsAndCommits(t *testing.T) {
	session := newFakeNetconfSession()
	junos := newTestJunos(t, session)

	_, err := junos.Config(context.Background(), []string{"set system host-name mx02"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, session.callsContaining("load-configuration"))
	assert.Equal(t, 1, session.callsContaining("<commit/>"))
}

func TestJunosConfigDiscardsOnLoadFailure(t *testing.T) {
	session := newFakeNetconfSession()
	session.errOn["load-configuration"] = "syntax error"
	junos := newTestJunos(t, session)

	_, err := junos.Config(context.Background(), []string{"set bogus"}, nil)
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, 1, session.callsContaining("discard-changes"))
	assert.Equal(t, 0, session.callsContaining("<commit/>"))
}

func TestJunosRollbackOverridesFromSavedFile(t *testing.T) {
	session := newFakeNetconfSession()
	junos := newTestJunos(t, session)

	require.NoError(t, junos.Rollback(context.Background(), "pre-change"))
	assert.Equal(t, 1, session.callsContaining(`url="/var/tmp/pre-change"`))
	assert.Equal(t, 1, session.callsContaining("<commit/>"))
}

func TestJunosSetBootOptionsNotSupported(t *testing.T) {
	session := newFakeNetconfSession()
	junos := newTestJunos(t, session)
	before := len(session.calls)

	err := junos.SetBootOptions(context.Background(), "jinstall-15.1.tgz", nil)
	var nsErr *NotSupportedError
	require.ErrorAs(t, err, &nsErr)
	assert.Len(t, session.calls, before)
}

func TestJunosShowList(t *testing.T) {
	session := newFakeNetconfSession()
	session.replies["show chassis"] = "<output>chassis ok</output>"
	junos := newTestJunos(t, session)

	results, err := junos.ShowList(context.Background(), []string{"show chassis", "show system users"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Raw, "chassis ok")
}

func TestJunosShowRejectsStructuredRequest(t *testing.T) {
	session := newFakeNetconfSession()
	junos := newTestJunos(t, session)
	before := len(session.calls)

	_, err := junos.Show(context.Background(), "show version", &ShowOptions{RawText: false})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Response, "RawText")
	// The rejection happens before anything reaches the device.
	assert.Len(t, session.calls, before)
}

func TestJunosShowRejectsNonShowCommand(t *testing.T) {
	session := newFakeNetconfSession()
	junos := newTestJunos(t, session)
	before := len(session.calls)

	_, err := junos.Show(context.Background(), "request system reboot", &ShowOptions{RawText: true})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Len(t, session.calls, before)

	_, err = junos.ShowList(context.Background(), []string{"show chassis", "clear interfaces statistics"}, &ShowOptions{RawText: true})
	var seqErr *CommandSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, "clear interfaces statistics", seqErr.Command)
}

func TestJunosRebootWithTimer(t *testing.T) {
	session := newFakeNetconfSession()
	junos := newTestJunos(t, session)

	require.NoError(t, junos.Reboot(context.Background(), &RebootOptions{Timer: 2 * time.Minute}))
	assert.Equal(t, 1, session.callsContaining("<in>2</in>"))
	// Scheduled reboots keep the session.
	assert.True(t, junos.Connected())
}
