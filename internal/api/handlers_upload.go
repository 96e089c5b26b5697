package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sjjf/md-server/internal/libvirt"
	"github.com/sjjf/md-server/internal/store"
	"github.com/sjjf/md-server/internal/version"
	"github.com/sjjf/md-server/models"
)

// instanceUpload registers an instance from its libvirt domain XML.
//
// A libvirt hook script on this host POSTs the domain descriptor when an
// instance starts. The interesting details are extracted, merged into the
// database, an address is allocated if the instance doesn't have one, and
// the dnsmasq host data is regenerated so the instance can pick its
// address up over DHCP.
func (s *Server) instanceUpload(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return BadRequestError("Failed to read request body", err.Error())
	}
	if len(body) > 25 {
		s.debugLog("Got instance upload with data %s", body[0:25])
	} else {
		s.debugLog("Got instance upload with data %s", body)
	}

	entry, err := libvirt.DomainData(body, s.cfg.Dnsmasq.NetName)
	if err != nil {
		if errors.Is(err, libvirt.ErrNoMetadataInterface) {
			return BadRequestError("Invalid domain descriptor",
				"no interface on network "+s.cfg.Dnsmasq.NetName)
		}
		return BadRequestError("Invalid domain descriptor", err.Error())
	}

	// content validation before any mutation: a descriptor with a garbage
	// MAC or UUID must not land in the database
	if err := entry.Validate(); err != nil {
		return BadRequestError("Invalid domain data", err.Error())
	}

	stored, err := s.store.Upsert(entry, store.DefaultIDField)
	if err != nil {
		return InternalError("Database update failed", err.Error())
	}

	if stored.MdsIPv4 == nil {
		addr, err := s.store.Allocate(
			s.cfg.Dnsmasq.NetAddress,
			s.cfg.Dnsmasq.NetPrefix,
			store.WithExclude(s.cfg.Dnsmasq.Gateway),
		)
		if err != nil {
			// the instance stays registered; it can be given an address
			// by hand if the pool has run dry
			log.Printf("Failed to allocate address for %s: %v", stored, err)
		} else {
			update := models.NewEntry()
			update.DomainName = stored.DomainName
			update.MdsIPv4 = &addr
			stored, err = s.store.Upsert(update, store.DefaultIDField)
			if err != nil {
				return InternalError("Database update failed", err.Error())
			}
		}
	}

	loc := models.NewLocation()
	hostname := s.cfg.Service.Hostname
	ver := version.Version
	loc.Hostname = &hostname
	loc.Version = &ver
	s.store.UpsertLocation(s.cfg.Service.Location, loc)

	if err := s.store.Save(s.cfg.Database.File); err != nil {
		return InternalError("Database save failed", err.Error())
	}

	if err := s.dnsmasq.WriteDHCPHosts(s.store.Entries()); err != nil {
		log.Printf("Failed to write DHCP hosts: %v", err)
	}
	if err := s.dnsmasq.WriteDNSHosts(s.store.Entries()); err != nil {
		log.Printf("Failed to write DNS hosts: %v", err)
	}
	s.dnsmasq.Reload()

	return c.JSON(http.StatusOK, stored)
}
