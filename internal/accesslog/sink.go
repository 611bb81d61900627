package accesslog

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Sink records completed requests to Postgres, fire-and-forget. A nil
// *Sink is valid and every method becomes a no-op, so main can wire it
// unconditionally whether or not AccessLog.Enabled is set.
type Sink struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to Postgres and migrates the access-log table. Returns
// (nil, nil) when enabled is false, leaving logging disabled without
// an error.
func Open(logger *logrus.Logger, enabled bool, cfg PostgresConfig) (*Sink, error) {
	if !enabled {
		return nil, nil
	}
	db, err := openDB(logger, cfg)
	if err != nil {
		return nil, err
	}
	return &Sink{db: db, log: logger.WithField("component", "accesslog")}, nil
}

// Record writes one entry in the background. Never blocks the caller
// beyond the goroutine spawn, matching the teacher's
// LoggingMiddleware's defer-a-goroutine pattern.
func (s *Sink) Record(r *http.Request, status int, duration time.Duration, bytesSent int, cacheHit bool) {
	if s == nil {
		return
	}
	entry := Entry{
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Host:      r.Host,
		Status:    status,
		Duration:  duration,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		BytesSent: bytesSent,
		CacheHit:  cacheHit,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
			s.log.WithError(err).Warn("failed to write access log entry")
		}
	}()
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.IndexByte(ip, ','); idx >= 0 {
			ip = ip[:idx]
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
