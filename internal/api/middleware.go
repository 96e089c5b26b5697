package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// Instance uploads arrive in a burst when libvirt hooks fire across a
// host, but a steady stream of them means something is looping.
const uploadRateLimit = rate.Limit(10)

// uploadRateLimiter limits how fast instance uploads are accepted,
// keyed by client address.
func uploadRateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(uploadRateLimit))
}

// restrictToHost rejects requests from anywhere but the server's own
// listen address. Uploads come from libvirt hook scripts on this host,
// and connections from localhost arrive with the listen address as
// their source.
func (s *Server) restrictToHost(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.RealIP() != s.cfg.Server.ListenAddress {
			return UnauthorizedError("access denied")
		}
		return next(c)
	}
}
