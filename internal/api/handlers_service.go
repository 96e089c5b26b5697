package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sjjf/md-server/internal/version"
)

// getVersions lists the EC2 metadata version roots, the way a real EC2
// metadata endpoint does at /.
func (s *Server) getVersions(c echo.Context) error {
	s.debugLog("Getting versions for %s", c.RealIP())
	versions := make([]string, 0, len(s.cfg.Service.EC2Versions))
	for _, v := range s.cfg.Service.EC2Versions {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		versions = append(versions, v+"/")
	}
	return c.String(http.StatusOK, strings.Join(versions, "\n"))
}

// getServiceInfo lists the service endpoints.
func (s *Server) getServiceInfo(c echo.Context) error {
	s.debugLog("Getting service info for %s", c.RealIP())
	return c.String(http.StatusOK, strings.Join([]string{
		"name",
		"type",
		"version",
		"ec2_versions",
	}, "\n"))
}

func (s *Server) getServiceName(c echo.Context) error {
	s.debugLog("Getting service name for %s", c.RealIP())
	return c.String(http.StatusOK, s.cfg.Service.Name)
}

func (s *Server) getServiceType(c echo.Context) error {
	s.debugLog("Getting service type for %s", c.RealIP())
	return c.String(http.StatusOK, s.cfg.Service.Type)
}

func (s *Server) getServiceVersion(c echo.Context) error {
	s.debugLog("Getting service version for %s", c.RealIP())
	return c.String(http.StatusOK, version.Version)
}

func (s *Server) getEC2Versions(c echo.Context) error {
	s.debugLog("Getting EC2 versions for %s", c.RealIP())
	return c.String(http.StatusOK, strings.Join(s.cfg.Service.EC2Versions, "\n"))
}
