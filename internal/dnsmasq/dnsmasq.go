// Package dnsmasq manages the dnsmasq configuration for the metadata
// network.
//
// mdserver owns the addressing on the metadata network, so it generates
// the dnsmasq config, DHCP hosts and DNS hosts files from its instance
// database, and nudges a running dnsmasq with SIGHUP when the host data
// changes. dnsmasq itself is run by the init system, not by mdserver.
package dnsmasq

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/template"

	"github.com/sjjf/md-server/internal/config"
)

const configTemplate = `## WARNING:  THIS IS AN AUTO-GENERATED FILE. MANUAL CHANGES WILL BE
## OVERWRITTEN.
#
# This file is managed by mdserver - changes should be made through the
# mdserver config most likely in /etc/mdserver.
user={{.User}}
leasefile-ro
strict-order
expand-hosts
pid-file={{.PidFile}}
{{.ExceptInterface}}
{{.ListenAddress}}
interface={{.Interface}}
dhcp-range={{.Gateway}},static
dhcp-no-override
dhcp-lease-max={{.LeaseLen}}
dhcp-hostsfile={{.DHCPHostsDir}}
dhcp-optsfile={{.OptsFile}}
hostsdir={{.DNSHostsDir}}
{{- if .Domain}}
domain={{.Domain}}
{{- end}}
`

// Both the named option and raw 249 forms of the classless static route
// are pushed, since some DHCP clients only recognise one of them.
const optsTemplate = `option:classless-static-route,{{.ServerAddr}}/32,{{.Gateway}},0.0.0.0/0,{{.Gateway}}
249,{{.ServerAddr}}/32,{{.Gateway}},0.0.0.0/0,{{.Gateway}}
option:router,{{.Gateway}}
{{- if .UseDNS}}
option:dns-server,{{.Gateway}}
{{- end}}
`

// Dnsmasq generates dnsmasq configuration and host data from mdserver
// state.
type Dnsmasq struct {
	cfg     *config.Config
	baseDir string
	pidFile string
}

// New creates a Dnsmasq manager from the running configuration.
func New(cfg *config.Config) *Dnsmasq {
	baseDir := cfg.Dnsmasq.BaseDir
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	return &Dnsmasq{
		cfg:     cfg,
		baseDir: baseDir,
		pidFile: filepath.Join(cfg.Dnsmasq.RunDir, cfg.Dnsmasq.NetName+".pid"),
	}
}

// ConfigFile returns the path of the generated dnsmasq config file.
func (d *Dnsmasq) ConfigFile() string {
	return filepath.Join(d.baseDir, d.cfg.Dnsmasq.NetName+".conf")
}

// OptsFile returns the path of the generated dnsmasq DHCP options file.
func (d *Dnsmasq) OptsFile() string {
	return filepath.Join(d.baseDir, d.cfg.Dnsmasq.NetName+".opts")
}

func (d *Dnsmasq) dhcpDir() string {
	return filepath.Join(d.baseDir, "dhcp")
}

func (d *Dnsmasq) dnsDir() string {
	return filepath.Join(d.baseDir, "dns")
}

// DHCPHostsFile returns the path of the generated DHCP hosts file.
func (d *Dnsmasq) DHCPHostsFile() string {
	return filepath.Join(d.dhcpDir(), d.cfg.Dnsmasq.NetName+".dhcp-hosts")
}

// DNSHostsFile returns the path of the generated DNS hosts file.
func (d *Dnsmasq) DNSHostsFile() string {
	return filepath.Join(d.dnsDir(), d.cfg.Dnsmasq.NetName+".dns-hosts")
}

// WriteConfig generates the dnsmasq config and DHCP options files,
// creating the base, dhcp, dns and run directories as needed.
func (d *Dnsmasq) WriteConfig() error {
	log.Printf("Creating dnsmasq config in %s", d.baseDir)
	for _, dir := range []string{d.baseDir, d.dhcpDir(), d.dnsDir(), d.cfg.Dnsmasq.RunDir} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// dnsmasq normally must not bind lo, but a test setup listening on
	// loopback needs exactly that
	exceptInterface := "except-interface=lo"
	listenAddress := "# no listen address defined"
	if d.cfg.Dnsmasq.ListenAddress != "" {
		listenAddress = "listen-address=" + d.cfg.Dnsmasq.ListenAddress
		if strings.HasPrefix(d.cfg.Dnsmasq.ListenAddress, "127.") && d.cfg.Dnsmasq.Interface == "lo" {
			exceptInterface = "# don't ignore lo"
		}
	}

	conf, err := render(configTemplate, map[string]interface{}{
		"User":            d.cfg.Dnsmasq.User,
		"PidFile":         d.pidFile,
		"ExceptInterface": exceptInterface,
		"ListenAddress":   listenAddress,
		"Interface":       d.cfg.Dnsmasq.Interface,
		"Gateway":         d.cfg.Dnsmasq.Gateway,
		"LeaseLen":        d.cfg.Dnsmasq.LeaseLen,
		"DHCPHostsDir":    d.dhcpDir(),
		"OptsFile":        d.OptsFile(),
		"DNSHostsDir":     d.dnsDir(),
		"Domain":          d.cfg.Dnsmasq.Domain,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.ConfigFile(), conf, 0o644); err != nil {
		return fmt.Errorf("writing dnsmasq config: %w", err)
	}
	log.Printf("Wrote dnsmasq config to %s", d.ConfigFile())

	opts, err := render(optsTemplate, map[string]interface{}{
		"ServerAddr": d.cfg.Server.ListenAddress,
		"Gateway":    d.cfg.Dnsmasq.Gateway,
		"UseDNS":     d.cfg.Dnsmasq.UseDNS,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.OptsFile(), opts, 0o644); err != nil {
		return fmt.Errorf("writing dnsmasq options: %w", err)
	}
	log.Printf("Wrote dnsmasq options to %s", d.OptsFile())

	return nil
}

func render(tpl string, data map[string]interface{}) ([]byte, error) {
	t, err := template.New("dnsmasq").Parse(tpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reload sends SIGHUP to the running dnsmasq, triggering a reload of the
// generated host files. A missing or stale pidfile is logged and ignored;
// dnsmasq not running must never take the metadata server down with it.
func (d *Dnsmasq) Reload() {
	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		log.Printf("Failed to HUP dnsmasq: %v", err)
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		log.Printf("Failed to parse dnsmasq pid: %v", err)
		return
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		log.Printf("Failed to HUP dnsmasq[%d]: %v", pid, err)
		return
	}
	log.Printf("HUPed dnsmasq[%d]", pid)
}
