package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Entry represents one known instance on the metadata network.
//
// An entry records the instance's libvirt identity (name and UUID), the MAC
// address of its metadata-network interface, the addresses allocated to it,
// and free-form metadata supplied by the domain descriptor. Nullable fields
// are pointers; a nil pointer serialises as JSON null, which in the upsert
// merge rule means "leave the existing value unchanged".
//
// Timestamps are stored as float seconds since the epoch so that database
// files written by older mdserver versions load without conversion.
//
// Example JSON representation:
//
//	{
//	  "location": "kvm-host-01",
//	  "domain_name": "web01",
//	  "domain_uuid": "aecb25c7-b581-4ecd-b60e-a9942ad18879",
//	  "domain_metadata": {"userdata_prefix": "web"},
//	  "mds_mac": "52:54:00:3a:cf:41",
//	  "mds_ipv4": "10.122.5.220",
//	  "mds_ipv6": null,
//	  "first_seen": 1594887717.0,
//	  "last_update": 1594887790.5
//	}
type Entry struct {
	// Location is the name of the mdserver instance that owns this entry
	Location *string `json:"location"`

	// DomainName is the libvirt domain name (primary identity field, indexed)
	DomainName *string `json:"domain_name"`

	// DomainUUID is the libvirt domain UUID (indexed)
	DomainUUID *string `json:"domain_uuid" validate:"omitempty,uuid_rfc4122"`

	// DomainMetadata holds free-form key/value data from the domain descriptor.
	// A nil map is null on the wire; an empty map is an explicit "{}" and will
	// replace existing metadata on upsert.
	DomainMetadata map[string]string `json:"domain_metadata"`

	// MdsMAC is the MAC address of the metadata-network interface (indexed)
	MdsMAC *string `json:"mds_mac" validate:"omitempty,mac"`

	// MdsIPv4 is the allocated IPv4 address, nil until assigned (indexed)
	MdsIPv4 *string `json:"mds_ipv4" validate:"omitempty,ip4_addr"`

	// MdsIPv6 is the allocated IPv6 address, nil until assigned (indexed)
	MdsIPv6 *string `json:"mds_ipv6" validate:"omitempty,ip6_addr"`

	// FirstSeen is set by the creating upsert and never changes afterwards
	FirstSeen *float64 `json:"first_seen"`

	// LastUpdate is refreshed by every upsert that touches the entry
	LastUpdate *float64 `json:"last_update"`
}

// entryKeys is the canonical Entry field set. Anything else found in a raw
// entry is schema drift and is handled by ReformatEntry.
var entryKeys = []string{
	"location",
	"domain_name",
	"domain_uuid",
	"domain_metadata",
	"mds_mac",
	"mds_ipv4",
	"mds_ipv6",
	"first_seen",
	"last_update",
}

// NewEntry returns a canonical entry with all fields defaulted. The metadata
// map is allocated so a fresh entry serialises it as "{}" rather than null.
func NewEntry() *Entry {
	return &Entry{
		DomainMetadata: map[string]string{},
	}
}

var entryValidator = validator.New()

// Validate checks the content of the populated fields (UUID, MAC and address
// syntax). It does not check field presence - a partially filled entry is
// valid by design, since nil fields merge as "leave unchanged".
func (e *Entry) Validate() error {
	return entryValidator.Struct(e)
}

// Metadata returns the value stored under key in the entry's domain
// metadata, or false when the key (or the whole map) is absent.
func (e *Entry) Metadata(key string) (string, bool) {
	if e.DomainMetadata == nil {
		return "", false
	}
	v, ok := e.DomainMetadata[key]
	return v, ok
}

// CheckEntryKeys verifies that a raw entry object carries exactly the
// canonical field set. Both a missing canonical key and an unknown extra key
// are errors; values are not inspected.
func CheckEntryKeys(raw map[string]json.RawMessage) error {
	for _, key := range entryKeys {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("entry missing key %q", key)
		}
	}
	for key := range raw {
		if !isEntryKey(key) {
			return fmt.Errorf("unknown entry key %q", key)
		}
	}
	return nil
}

// ReformatEntry projects a raw entry of any shape onto the canonical schema.
// Canonical fields present in raw keep their values, missing ones get the
// default (null), and unknown fields are dropped silently.
func ReformatEntry(raw map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(entryKeys))
	for _, key := range entryKeys {
		if v, ok := raw[key]; ok {
			out[key] = v
		}
	}
	return out
}

// DecodeEntry unmarshals a canonical raw entry into an Entry. Type mismatches
// (for example a string where a timestamp belongs) are fatal parse errors.
func DecodeEntry(raw map[string]json.RawMessage) (*Entry, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("malformed entry: %w", err)
	}
	return e, nil
}

func isEntryKey(key string) bool {
	for _, k := range entryKeys {
		if k == key {
			return true
		}
	}
	return false
}

// String returns a short identity string for logging.
func (e *Entry) String() string {
	name := "<unnamed>"
	if e.DomainName != nil {
		name = *e.DomainName
	}
	return name
}
