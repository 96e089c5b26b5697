package dnsmasq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjjf/md-server/internal/config"
	"github.com/sjjf/md-server/models"
)

func strptr(s string) *string { return &s }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddress = "169.254.169.254"
	cfg.Dnsmasq.User = "mdserver"
	cfg.Dnsmasq.BaseDir = filepath.Join(t.TempDir(), "dnsmasq")
	cfg.Dnsmasq.RunDir = t.TempDir()
	cfg.Dnsmasq.NetName = "mds"
	cfg.Dnsmasq.Gateway = "10.122.0.1"
	cfg.Dnsmasq.Interface = "br-mds"
	cfg.Dnsmasq.LeaseLen = 86400
	cfg.Dnsmasq.EntryOrder = []string{"base"}
	return cfg
}

func testEntries() []*models.Entry {
	dual := models.NewEntry()
	dual.DomainName = strptr("vm-01")
	dual.MdsMAC = strptr("52:54:00:3a:cf:41")
	dual.MdsIPv4 = strptr("10.122.0.5")
	dual.MdsIPv6 = strptr("2001:db8::16:e360")

	v4only := models.NewEntry()
	v4only.DomainName = strptr("vm-02")
	v4only.MdsMAC = strptr("52:54:00:aa:bb:cc")
	v4only.MdsIPv4 = strptr("10.122.0.6")

	noMAC := models.NewEntry()
	noMAC.DomainName = strptr("vm-03")
	noMAC.MdsIPv4 = strptr("10.122.0.7")

	return []*models.Entry{dual, v4only, noMAC}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriteConfig(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)
	require.NoError(t, d.WriteConfig())

	conf := readFile(t, d.ConfigFile())
	assert.Contains(t, conf, "user=mdserver\n")
	assert.Contains(t, conf, "pid-file="+filepath.Join(cfg.Dnsmasq.RunDir, "mds.pid")+"\n")
	assert.Contains(t, conf, "except-interface=lo\n")
	assert.Contains(t, conf, "# no listen address defined\n")
	assert.Contains(t, conf, "interface=br-mds\n")
	assert.Contains(t, conf, "dhcp-range=10.122.0.1,static\n")
	assert.Contains(t, conf, "dhcp-lease-max=86400\n")
	assert.Contains(t, conf, "dhcp-hostsfile="+filepath.Join(d.baseDir, "dhcp")+"\n")
	assert.Contains(t, conf, "dhcp-optsfile="+d.OptsFile()+"\n")
	assert.Contains(t, conf, "hostsdir="+filepath.Join(d.baseDir, "dns")+"\n")
	assert.NotContains(t, conf, "domain=")

	opts := readFile(t, d.OptsFile())
	assert.Contains(t, opts,
		"option:classless-static-route,169.254.169.254/32,10.122.0.1,0.0.0.0/0,10.122.0.1\n")
	assert.Contains(t, opts,
		"249,169.254.169.254/32,10.122.0.1,0.0.0.0/0,10.122.0.1\n")
	assert.Contains(t, opts, "option:router,10.122.0.1\n")
	assert.NotContains(t, opts, "dns-server")

	assert.DirExists(t, filepath.Join(d.baseDir, "dhcp"))
	assert.DirExists(t, filepath.Join(d.baseDir, "dns"))
}

func TestWriteConfigDomainAndDNS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dnsmasq.Domain = "mds.example.com"
	cfg.Dnsmasq.UseDNS = true
	d := New(cfg)
	require.NoError(t, d.WriteConfig())

	assert.Contains(t, readFile(t, d.ConfigFile()), "domain=mds.example.com\n")
	assert.Contains(t, readFile(t, d.OptsFile()), "option:dns-server,10.122.0.1\n")
}

func TestWriteConfigLoopbackListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dnsmasq.ListenAddress = "127.0.0.1"
	cfg.Dnsmasq.Interface = "lo"
	d := New(cfg)
	require.NoError(t, d.WriteConfig())

	conf := readFile(t, d.ConfigFile())
	assert.Contains(t, conf, "listen-address=127.0.0.1\n")
	assert.Contains(t, conf, "# don't ignore lo\n")
	assert.NotContains(t, conf, "except-interface=lo")
}

func TestWriteDHCPHosts(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)
	require.NoError(t, d.WriteDHCPHosts(testEntries()))

	want := "52:54:00:3a:cf:41,id:*,10.122.0.5,vm-01,86400\n" +
		"52:54:00:3a:cf:41,id:*,[2001:db8::16:e360],vm-01,86400\n" +
		"52:54:00:aa:bb:cc,id:*,10.122.0.6,vm-02,86400\n"
	assert.Equal(t, want, readFile(t, d.DHCPHostsFile()))
}

func TestWriteDHCPHostsTruncates(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)
	require.NoError(t, d.WriteDHCPHosts(testEntries()))
	require.NoError(t, d.WriteDHCPHosts(nil))

	assert.Equal(t, "", readFile(t, d.DHCPHostsFile()))
}

func TestWriteDNSHostsBase(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)
	require.NoError(t, d.WriteDNSHosts(testEntries()))

	want := "10.122.0.5 vm-01\n" +
		"2001:db8::16:e360 vm-01\n" +
		"10.122.0.6 vm-02\n" +
		"10.122.0.7 vm-03\n"
	assert.Equal(t, want, readFile(t, d.DNSHostsFile()))
}

func TestWriteDNSHostsOrdering(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dnsmasq.Prefix = "mds-"
	cfg.Dnsmasq.Domain = "example.com"
	cfg.Dnsmasq.EntryOrder = []string{"fqdn", "prefix", "base"}
	d := New(cfg)

	entry := models.NewEntry()
	entry.DomainName = strptr("vm-01")
	entry.MdsIPv4 = strptr("10.122.0.5")
	require.NoError(t, d.WriteDNSHosts([]*models.Entry{entry}))

	assert.Equal(t, "10.122.0.5 mds-vm-01.example.com mds-vm-01 vm-01\n",
		readFile(t, d.DNSHostsFile()))
}

func TestWriteDNSHostsUnconfiguredFormsSkipped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dnsmasq.EntryOrder = []string{"prefix", "fqdn"}
	d := New(cfg)

	entry := models.NewEntry()
	entry.DomainName = strptr("vm-01")
	entry.MdsIPv4 = strptr("10.122.0.5")
	require.NoError(t, d.WriteDNSHosts([]*models.Entry{entry}))

	// no prefix or domain configured, so no names and no line at all
	assert.Equal(t, "", readFile(t, d.DNSHostsFile()))
}

func TestReloadMissingPidfile(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	// nothing running; must not panic or error out
	d.Reload()
}

func TestReloadBadPidfile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Dnsmasq.RunDir, "mds.pid"), []byte("not-a-pid\n"), 0o644))
	d := New(cfg)

	d.Reload()
}
