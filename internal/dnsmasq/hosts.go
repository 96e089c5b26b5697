package dnsmasq

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/sjjf/md-server/models"
)

// WriteDHCPHosts regenerates the DHCP hosts file from the instance
// database. Each entry with a MAC gets one line per recorded address,
// in dnsmasq dhcp-hostsfile format; IPv6 addresses are bracketed.
// The file is truncated before writing.
func (d *Dnsmasq) WriteDHCPHosts(entries []*models.Entry) error {
	if err := os.MkdirAll(d.dhcpDir(), 0o775); err != nil {
		return fmt.Errorf("creating %s: %w", d.dhcpDir(), err)
	}
	var b strings.Builder
	count := 0
	for _, entry := range entries {
		if entry.MdsMAC == nil || entry.DomainName == nil {
			continue
		}
		if entry.MdsIPv4 != nil {
			fmt.Fprintf(&b, "%s,id:*,%s,%s,%d\n",
				*entry.MdsMAC, *entry.MdsIPv4, *entry.DomainName, d.cfg.Dnsmasq.LeaseLen)
			count++
		}
		if entry.MdsIPv6 != nil {
			fmt.Fprintf(&b, "%s,id:*,[%s],%s,%d\n",
				*entry.MdsMAC, *entry.MdsIPv6, *entry.DomainName, d.cfg.Dnsmasq.LeaseLen)
			count++
		}
	}
	if err := os.WriteFile(d.DHCPHostsFile(), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing DHCP hosts: %w", err)
	}
	log.Printf("Wrote %d lines to %s", count, d.DHCPHostsFile())
	return nil
}

// WriteDNSHosts regenerates the DNS hosts file from the instance
// database, in hosts(5) format. The configured entry order selects which
// name forms appear on each line: the bare instance name ("base"), the
// prefixed name ("prefix") and the fully qualified name ("fqdn" or
// "domain"). Forms whose prefix or domain is unconfigured are skipped.
// The file is truncated before writing.
func (d *Dnsmasq) WriteDNSHosts(entries []*models.Entry) error {
	if err := os.MkdirAll(d.dnsDir(), 0o775); err != nil {
		return fmt.Errorf("creating %s: %w", d.dnsDir(), err)
	}
	prefix := d.cfg.Dnsmasq.Prefix
	domain := d.cfg.Dnsmasq.Domain
	var b strings.Builder
	count := 0
	for _, entry := range entries {
		if entry.DomainName == nil {
			continue
		}
		base := *entry.DomainName
		prefixed := prefix + base
		var names []string
		for _, order := range d.cfg.Dnsmasq.EntryOrder {
			switch strings.ToLower(strings.TrimSpace(order)) {
			case "base":
				names = append(names, base)
			case "prefix":
				if prefix != "" {
					names = append(names, prefixed)
				}
			case "domain", "fqdn":
				if domain != "" {
					names = append(names, prefixed+"."+domain)
				}
			}
		}
		if len(names) == 0 {
			continue
		}
		if entry.MdsIPv4 != nil {
			fmt.Fprintf(&b, "%s %s\n", *entry.MdsIPv4, strings.Join(names, " "))
			count++
		}
		if entry.MdsIPv6 != nil {
			fmt.Fprintf(&b, "%s %s\n", *entry.MdsIPv6, strings.Join(names, " "))
			count++
		}
	}
	if err := os.WriteFile(d.DNSHostsFile(), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing DNS hosts: %w", err)
	}
	log.Printf("Wrote %d lines to %s", count, d.DNSHostsFile())
	return nil
}
