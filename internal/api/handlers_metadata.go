package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sjjf/md-server/models"
)

// clientEntry looks up the database entry for the requesting instance by
// its source address. Instances are only known to us through the DHCP
// addresses we hand out, so an unknown address is an unauthorized client.
func (s *Server) clientEntry(c echo.Context) (*models.Entry, error) {
	clientIP := c.RealIP()
	entry, err := s.store.Query("mds_ipv4", clientIP)
	if err != nil {
		return nil, InternalError("Database query failed", err.Error())
	}
	if entry == nil {
		log.Printf("Failed to find %s in database", clientIP)
		return nil, UnauthorizedError("Unknown client")
	}
	return entry, nil
}

// getBase lists the endpoints under an EC2 version root.
func (s *Server) getBase(c echo.Context) error {
	s.debugLog("Getting base for %s", c.RealIP())
	return c.String(http.StatusOK, "meta-data/\nuser-data")
}

// getMetadata lists the meta-data endpoints.
func (s *Server) getMetadata(c echo.Context) error {
	s.debugLog("Getting metadata for %s", c.RealIP())
	return c.String(http.StatusOK, strings.Join([]string{
		"instance-id",
		"hostname",
		"public-keys/",
	}, "\n"))
}

// getHostname returns the requesting instance's domain name.
func (s *Server) getHostname(c echo.Context) error {
	s.debugLog("Getting hostname for %s", c.RealIP())
	entry, err := s.clientEntry(c)
	if err != nil {
		return err
	}
	hostname := ""
	if entry.DomainName != nil {
		hostname = *entry.DomainName
	}
	return c.String(http.StatusOK, hostname)
}

// getInstanceID returns an EC2-style instance ID derived from the client
// address.
func (s *Server) getInstanceID(c echo.Context) error {
	s.debugLog("Getting instance-id for %s", c.RealIP())
	return c.String(http.StatusOK, "i-"+c.RealIP())
}

// getUserdata renders the requesting instance's userdata.
func (s *Server) getUserdata(c echo.Context) error {
	s.debugLog("Getting userdata for %s", c.RealIP())
	entry, err := s.clientEntry(c)
	if err != nil {
		return err
	}
	hostname := ""
	if entry.DomainName != nil {
		hostname = *entry.DomainName
	}
	mac := ""
	if entry.MdsMAC != nil {
		mac = *entry.MdsMAC
	}
	out, err := s.userdata.ForInstance(hostname, mac)
	if err != nil {
		return InternalError("Userdata rendering failed", err.Error())
	}
	return c.String(http.StatusOK, out)
}

// getPublicKeys lists the configured public keys in EC2 index=name form.
func (s *Server) getPublicKeys(c echo.Context) error {
	s.debugLog("Getting public keys for %s", c.RealIP())
	lines := make([]string, 0, len(s.keyNames))
	for i, name := range s.keyNames {
		lines = append(lines, strconv.Itoa(i)+"="+name)
	}
	return c.String(http.StatusOK, strings.Join(lines, "\n"))
}

// resolveKeyName maps a public-keys path element, either a numeric index
// or a key name, to the key's configured name. Returns "" for an unknown
// key.
func (s *Server) resolveKeyName(param string) string {
	if i, err := strconv.Atoi(param); err == nil {
		if i >= 0 && i < len(s.keyNames) {
			return s.keyNames[i]
		}
		return ""
	}
	if _, ok := s.cfg.PublicKeys[param]; ok {
		return param
	}
	return ""
}

// getPublicKeyDir lists the formats available for a public key. openssh
// is the only one.
func (s *Server) getPublicKeyDir(c echo.Context) error {
	s.debugLog("Getting public key directory for %s", c.RealIP())
	if s.resolveKeyName(c.Param("key")) == "" {
		return NotFoundError("no such key")
	}
	return c.String(http.StatusOK, "openssh-key")
}

// getPublicKeyFile returns the public key material.
func (s *Server) getPublicKeyFile(c echo.Context) error {
	s.debugLog("Getting public key file for %s", c.RealIP())
	name := s.resolveKeyName(c.Param("key"))
	if name == "" {
		return NotFoundError("no such key")
	}
	return c.String(http.StatusOK, s.cfg.PublicKeys[name])
}
