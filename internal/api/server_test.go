package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjjf/md-server/internal/config"
	"github.com/sjjf/md-server/internal/store"
	"github.com/sjjf/md-server/models"
)

const domainXML = `<domain type='kvm'>
  <name>vm-02</name>
  <uuid>aecb25c7-b581-4ecd-b60e-a9942ad18879</uuid>
  <metadata>
    <md:md_server xmlns:md="urn:md_server:domain_metadata">
      <md:userdata_prefix>testing</md:userdata_prefix>
    </md:md_server>
  </metadata>
  <devices>
    <interface type='network'>
      <mac address='52:54:00:3a:cf:41'/>
      <source network='mds' bridge='br-mds'/>
    </interface>
  </devices>
</domain>`

func strptr(s string) *string { return &s }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddress = "127.0.0.1"
	cfg.Server.Port = 8001
	cfg.Service.Name = "mdserver"
	cfg.Service.Type = "mdserver"
	cfg.Service.EC2Versions = []string{"2009-04-04"}
	cfg.Service.Hostname = "host-01.example.com"
	cfg.Service.Location = "host-01"
	cfg.Database.File = filepath.Join(t.TempDir(), "db_file.json")
	cfg.Userdata.Dir = t.TempDir()
	cfg.Userdata.Suffixes = []string{".yaml"}
	cfg.PublicKeys = map[string]string{
		"default": "ssh-rsa AAAAdefault test@example.com",
		"ops":     "ssh-rsa AAAAops ops@example.com",
	}
	cfg.Dnsmasq.BaseDir = filepath.Join(t.TempDir(), "dnsmasq")
	cfg.Dnsmasq.RunDir = t.TempDir()
	cfg.Dnsmasq.NetName = "mds"
	// a /30 leaves exactly one usable address once the gateway is out,
	// which makes allocations predictable
	cfg.Dnsmasq.NetAddress = "10.122.0.0"
	cfg.Dnsmasq.NetPrefix = "30"
	cfg.Dnsmasq.Gateway = "10.122.0.1"
	cfg.Dnsmasq.Interface = "br-mds"
	cfg.Dnsmasq.LeaseLen = 86400
	cfg.Dnsmasq.EntryOrder = []string{"base"}
	return cfg
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st := store.New()
	entry := models.NewEntry()
	entry.DomainName = strptr("vm-01")
	entry.MdsMAC = strptr("52:54:00:aa:bb:cc")
	entry.MdsIPv4 = strptr("10.122.0.5")
	_, err := st.Upsert(entry, store.DefaultIDField)
	require.NoError(t, err)
	return New(testConfig(t), st), st
}

func doRequest(s *Server, method, path, remoteAddr, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// client is an instance known to the database, at 10.122.0.5
func clientGet(s *Server, path string) *httptest.ResponseRecorder {
	return doRequest(s, http.MethodGet, path, "10.122.0.5:43151", "")
}

func TestGetVersions(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2009-04-04/", rec.Body.String())
}

func TestGetBase(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/2009-04-04/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "meta-data/\nuser-data", rec.Body.String())
}

func TestGetMetadata(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/2009-04-04/meta-data/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "instance-id\nhostname\npublic-keys/", rec.Body.String())
}

func TestServiceEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := clientGet(s, "/service/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "name\ntype\nversion\nec2_versions", rec.Body.String())

	rec = clientGet(s, "/service/name")
	assert.Equal(t, "mdserver", rec.Body.String())

	rec = clientGet(s, "/service/type")
	assert.Equal(t, "mdserver", rec.Body.String())

	rec = clientGet(s, "/service/ec2_versions")
	assert.Equal(t, "2009-04-04", rec.Body.String())

	rec = clientGet(s, "/service/version")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestGetHostname(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/2009-04-04/meta-data/hostname")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vm-01", rec.Body.String())
}

func TestGetHostnameUnknownClient(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/2009-04-04/meta-data/hostname", "10.122.0.99:43151", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetInstanceID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/2009-04-04/meta-data/instance-id")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "i-10.122.0.5", rec.Body.String())
}

func TestGetPublicKeys(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/2009-04-04/meta-data/public-keys/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0=default\n1=ops", rec.Body.String())
}

func TestGetPublicKeyDir(t *testing.T) {
	s, _ := newTestServer(t)

	rec := clientGet(s, "/2009-04-04/meta-data/public-keys/0/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openssh-key", rec.Body.String())

	rec = clientGet(s, "/2009-04-04/meta-data/public-keys/default/")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = clientGet(s, "/2009-04-04/meta-data/public-keys/7/")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = clientGet(s, "/2009-04-04/meta-data/public-keys/nokey/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPublicKeyFile(t *testing.T) {
	s, _ := newTestServer(t)

	rec := clientGet(s, "/2009-04-04/meta-data/public-keys/0/openssh-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ssh-rsa AAAAdefault test@example.com", rec.Body.String())

	rec = clientGet(s, "/2009-04-04/meta-data/public-keys/ops/openssh-key")
	assert.Equal(t, "ssh-rsa AAAAops ops@example.com", rec.Body.String())

	rec = clientGet(s, "/2009-04-04/meta-data/public-keys/nokey/openssh-key")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserdata(t *testing.T) {
	s, _ := newTestServer(t)
	rec := clientGet(s, "/2009-04-04/user-data")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hostname: vm-01")
	assert.Contains(t, rec.Body.String(), "- ssh-rsa AAAAdefault test@example.com")
}

func TestGetUserdataPerInstance(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(s.cfg.Userdata.Dir, "vm-01.yaml"),
		[]byte("#cloud-config\nhostname: {{.hostname}}-custom\n"), 0o644))

	rec := clientGet(s, "/2009-04-04/user-data")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#cloud-config\nhostname: vm-01-custom\n", rec.Body.String())
}

func TestGetUserdataUnknownClient(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/2009-04-04/user-data", "10.122.0.99:43151", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInstanceUpload(t *testing.T) {
	s, st := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/instance-upload", "127.0.0.1:43151", domainXML)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entry, err := st.Query("domain_name", "vm-02")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "aecb25c7-b581-4ecd-b60e-a9942ad18879", *entry.DomainUUID)
	assert.Equal(t, "52:54:00:3a:cf:41", *entry.MdsMAC)
	// the only usable address in the test /30
	require.NotNil(t, entry.MdsIPv4)
	assert.Equal(t, "10.122.0.2", *entry.MdsIPv4)

	// the upload is saved and the dnsmasq host data regenerated
	assert.FileExists(t, s.cfg.Database.File)
	data, err := os.ReadFile(s.dnsmasq.DHCPHostsFile())
	require.NoError(t, err)
	assert.Contains(t, string(data), "52:54:00:3a:cf:41,id:*,10.122.0.2,vm-02,86400")

	// the upload records this server instance against its location
	loc, ok := st.Locations()["host-01"]
	require.True(t, ok)
	assert.Equal(t, "host-01.example.com", *loc.Hostname)
}

func TestInstanceUploadPreservesAddress(t *testing.T) {
	s, st := newTestServer(t)
	entry := models.NewEntry()
	entry.DomainName = strptr("vm-02")
	entry.MdsIPv4 = strptr("10.122.0.3")
	_, err := st.Upsert(entry, store.DefaultIDField)
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/instance-upload", "127.0.0.1:43151", domainXML)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := st.Query("domain_name", "vm-02")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.122.0.3", *got.MdsIPv4)
}

func TestInstanceUploadAccessDenied(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/instance-upload", "10.122.0.5:43151", domainXML)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientIdentityIgnoresForwardedHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	// a guest can put anything in X-Forwarded-For or X-Real-IP; only the
	// socket peer address counts
	req := httptest.NewRequest(http.MethodPost, "/instance-upload", strings.NewReader(domainXML))
	req.RemoteAddr = "10.122.0.5:43151"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/2009-04-04/meta-data/hostname", nil)
	req.RemoteAddr = "10.122.0.99:43151"
	req.Header.Set("X-Forwarded-For", "10.122.0.5")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/2009-04-04/user-data", nil)
	req.RemoteAddr = "10.122.0.99:43151"
	req.Header.Set("X-Real-IP", "10.122.0.5")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInstanceUploadBadDescriptor(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/instance-upload", "127.0.0.1:43151", "not xml at all")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a well-formed domain with no interface on the metadata network
	noIface := strings.Replace(domainXML, "network='mds'", "network='other'", 1)
	rec = doRequest(s, http.MethodPost, "/instance-upload", "127.0.0.1:43151", noIface)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstanceUploadInvalidContent(t *testing.T) {
	s, st := newTestServer(t)

	// parses fine, but the MAC and UUID fail content validation and must
	// be rejected before any mutation
	badMAC := strings.Replace(domainXML, "52:54:00:3a:cf:41", "zz:zz:zz:zz:zz:zz", 1)
	rec := doRequest(s, http.MethodPost, "/instance-upload", "127.0.0.1:43151", badMAC)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	badUUID := strings.Replace(domainXML,
		"aecb25c7-b581-4ecd-b60e-a9942ad18879", "not-a-uuid", 1)
	rec = doRequest(s, http.MethodPost, "/instance-upload", "127.0.0.1:43151", badUUID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := st.Query("domain_name", "vm-02")
	require.NoError(t, err)
	assert.Nil(t, got)
}
