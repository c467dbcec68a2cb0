package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/relay/internal/transport"
	"go.uber.org/zap"
)

// maxCachedMedia keeps large files out of the proxy cache.
const maxCachedMedia = 8 << 20

// media proxies a transport media ref. Hits are served from the LRU cache.
func (s *Server) media(c *gin.Context) {
	ref := strings.TrimPrefix(c.Param("ref"), "/")
	if ref == "" {
		c.Status(http.StatusNotFound)
		return
	}

	if v, ok := s.cache.Get(ref); ok {
		m := v.(transport.Media)
		c.Header("X-Cache", "hit")
		c.Data(http.StatusOK, m.MimeType, m.Data)
		return
	}

	m, err := s.deps.Media.FetchMedia(c.Request.Context(), ref)
	if err != nil {
		switch transport.KindOf(err) {
		case transport.KindRejected, transport.KindInvalid:
			c.Status(http.StatusNotFound)
		default:
			s.logger.Warn("media fetch failed", zap.String("ref", ref), zap.Error(err))
			c.Status(http.StatusBadGateway)
		}
		return
	}
	if m.MimeType == "" {
		m.MimeType = "application/octet-stream"
	}
	if len(m.Data) <= maxCachedMedia {
		s.cache.Add(ref, m)
	}
	c.Header("X-Cache", "miss")
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, m.MimeType, m.Data)
}
