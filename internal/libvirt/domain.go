// Package libvirt extracts instance data from libvirt domain descriptors.
//
// mdserver never talks to libvirtd itself - a hook script posts the domain
// XML to the instance-upload endpoint, and this package pulls out the few
// things the database cares about: the domain name and UUID, the MAC
// address of the interface attached to the metadata network, and any
// mdserver metadata elements embedded in the descriptor.
package libvirt

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/sjjf/md-server/models"
)

// MetadataNS is the XML namespace for mdserver metadata elements in a
// domain descriptor.
const MetadataNS = "urn:md_server:domain_metadata"

// ErrNoMetadataInterface is returned when the descriptor has no interface
// attached to the metadata network.
var ErrNoMetadataInterface = errors.New("no interface on metadata network")

type domainXML struct {
	Name       string         `xml:"name"`
	UUID       string         `xml:"uuid"`
	Metadata   metadataXML    `xml:"metadata"`
	Interfaces []interfaceXML `xml:"devices>interface"`
}

type metadataXML struct {
	Items []metadataItem `xml:",any"`
}

type metadataItem struct {
	XMLName  xml.Name
	Value    string         `xml:",chardata"`
	Children []metadataItem `xml:",any"`
}

// collectMetadata walks the metadata elements and records every leaf in
// the mdserver namespace. Items may sit directly under <metadata> or be
// grouped inside a wrapper element.
func collectMetadata(items []metadataItem, out map[string]string) {
	for _, item := range items {
		if len(item.Children) > 0 {
			collectMetadata(item.Children, out)
			continue
		}
		if item.XMLName.Space == MetadataNS {
			out[item.XMLName.Local] = strings.TrimSpace(item.Value)
		}
	}
}

type interfaceXML struct {
	MAC struct {
		Address string `xml:"address,attr"`
	} `xml:"mac"`
	Source struct {
		Network string `xml:"network,attr"`
	} `xml:"source"`
}

// DomainData extracts a database entry candidate from a domain descriptor.
// The entry carries the domain name and UUID, the MAC address of the first
// interface whose source network is network, and the mdserver metadata
// elements as domain_metadata. Addresses and timestamps are left null for
// the store to fill in.
func DomainData(descriptor []byte, network string) (*models.Entry, error) {
	var dom domainXML
	if err := xml.Unmarshal(descriptor, &dom); err != nil {
		return nil, fmt.Errorf("parsing domain descriptor: %w", err)
	}

	entry := models.NewEntry()
	if dom.Name != "" {
		name := dom.Name
		entry.DomainName = &name
	}
	if dom.UUID != "" {
		id := dom.UUID
		entry.DomainUUID = &id
	}
	collectMetadata(dom.Metadata.Items, entry.DomainMetadata)

	for _, iface := range dom.Interfaces {
		if iface.Source.Network == network && iface.MAC.Address != "" {
			mac := iface.MAC.Address
			entry.MdsMAC = &mac
			return entry, nil
		}
	}
	return nil, fmt.Errorf("domain %s: %w", dom.Name, ErrNoMetadataInterface)
}
