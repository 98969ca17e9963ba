package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

type testWSGIFactory struct{}

func (testWSGIFactory) NewWSGI(name string, conf interface{}, next registry.WSGILink) (registry.WSGILink, error) {
	return next, nil
}

func (testWSGIFactory) StatsConf(name string, conf *iniconf.Conf) ([]stats.Declaration, error) {
	return []stats.Declaration{{Name: "echo_count", Kind: stats.Sum}}, nil
}

type testTCPFactory struct{}

func (testTCPFactory) NewTCP(name string, conf interface{}) (registry.TCPHandler, error) { return nil, nil }

type testUDPFactory struct{}

func (testUDPFactory) NewUDP(name string, conf interface{}) (registry.UDPHandler, error) { return nil, nil }

type testDaemonFactory struct{}

func (testDaemonFactory) NewDaemon(name string, conf interface{}) (registry.DaemonBody, error) {
	return nil, nil
}

func init() {
	registry.RegisterWSGI("test.echo", testWSGIFactory{})
	registry.RegisterTCP("test.tcpecho", testTCPFactory{})
	registry.RegisterUDP("test.udpecho", testUDPFactory{})
	registry.RegisterDaemon("test.housekeeper", testDaemonFactory{})
}

const sampleConf = `
[brim]
user = nobody
pid_file = /tmp/test-brimd.pid

[wsgi]
ip = 0.0.0.0
port = 8901
workers = 2
apps = echo

[wsgi#alt]
port = 8902
apps = echo

[echo]
call = test.echo

[tcp]
port = 9001
call = test.tcpecho

[daemons]
daemons = housekeeper

[housekeeper]
call = test.housekeeper
`

func loadSample(t *testing.T) *LaunchPlan {
	t.Helper()
	conf, err := iniconf.Read(strings.NewReader(sampleConf), "sample")
	require.NoError(t, err)
	p, err := Load(conf)
	require.NoError(t, err)
	return p
}

func TestLoadBuildsSubInstancesAndDaemons(t *testing.T) {
	p := loadSample(t)

	require.Len(t, p.WSGI, 2)
	assert.Equal(t, "wsgi", p.WSGI[0].Name)
	assert.Equal(t, 2, p.WSGI[0].WorkerCount())
	assert.Equal(t, "wsgi#alt", p.WSGI[1].Name)

	require.Len(t, p.TCP, 1)
	assert.Equal(t, 9001, p.TCP[0].Port)

	require.Len(t, p.Daemons, 1)
	assert.Equal(t, "housekeeper", p.Daemons[0].Name)
}

func TestLoadReservesWSGIStatsIncludingHandlerDeclared(t *testing.T) {
	p := loadSample(t)

	decls := p.Declared[ScopePrefix("wsgi", "wsgi")]
	names := stats.SortedDeclarationNames(decls)
	assert.Contains(t, names, "start_time")
	assert.Contains(t, names, "request_count")
	assert.Contains(t, names, "subprocess_restart_count")
	assert.Contains(t, names, "status_2xx_count")
	assert.Contains(t, names, "echo_count")
}

func TestLoadDaemonDoesNotReserveListenerDefaults(t *testing.T) {
	p := loadSample(t)

	decls := p.Declared[DaemonScope("housekeeper")]
	for _, d := range decls {
		assert.NotEqual(t, "start_time", d.Name, "daemons must not auto-reserve start_time")
		assert.NotEqual(t, "request_count", d.Name, "daemons must not auto-reserve request_count")
	}
}

func TestLoadDaemonReservesRestartCount(t *testing.T) {
	p := loadSample(t)

	decls := p.Declared[DaemonScope("housekeeper")]
	names := stats.SortedDeclarationNames(decls)
	assert.Contains(t, names, "subprocess_restart_count", "daemons must still reserve subprocess_restart_count")
}

func TestLoadReservesSubInstanceBareScopeStartTime(t *testing.T) {
	p := loadSample(t)

	region, err := stats.NewRegion(p.StatsLayout)
	require.NoError(t, err)
	defer region.Close()

	handle := region.HandleFor(ScopePrefix("wsgi", "wsgi"))
	handle.SetUint64("start_time", 12345)
	assert.Equal(t, uint64(12345), handle.Get("start_time"),
		"the sub-instance's bare scope must reserve its own start_time slot, separate from each worker's")
}

func TestLoadMissingAppsIsConfigError(t *testing.T) {
	conf, err := iniconf.Read(strings.NewReader("[wsgi]\nport = 1\n"), "bad")
	require.NoError(t, err)
	_, err = Load(conf)
	require.Error(t, err)
}

func TestLoadDetectsHandlerCycle(t *testing.T) {
	conf, err := iniconf.Read(strings.NewReader(`
[wsgi]
port = 1
apps = echo echo

[echo]
call = test.echo
`), "cycle")
	require.NoError(t, err)
	_, err = Load(conf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestUDPWorkerCountForcedToOne(t *testing.T) {
	conf, err := iniconf.Read(strings.NewReader(`
[udp]
port = 2
workers = 4
call = test.udpecho
`), "udp")
	require.NoError(t, err)
	p, err := Load(conf)
	require.NoError(t, err)
	require.Len(t, p.UDP, 1)
	assert.Equal(t, 1, p.UDP[0].WorkerCount())
}
