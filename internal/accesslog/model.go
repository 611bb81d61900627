// Package accesslog implements the optional Postgres-backed audit
// trail named in SPEC_FULL.md's domain stack: one row per request,
// written fire-and-forget from the request-handling goroutine, never
// read back on any request path.
//
// Adapted from the teacher's internal/models/access_log.go (the
// AccessLog table survives; CacheEntry/TagCache do not, since the
// blob store's own lookup no longer runs through Postgres) and
// internal/handlers/middleware.go's LoggingMiddleware (the
// fire-and-forget goroutine + timed-response-writer shape).
package accesslog

import "time"

// Entry is one row of the access log.
type Entry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Method    string    `gorm:"type:varchar(10);not null"`
	Path      string    `gorm:"type:text;not null;index:,length:256"`
	Host      string    `gorm:"type:varchar(255);not null"`
	Status    int       `gorm:"not null;index"`
	Duration  time.Duration
	ClientIP  string `gorm:"type:varchar(45);not null"`
	UserAgent string `gorm:"type:text"`
	BytesSent int    `gorm:"not null;default:0"`
	CacheHit  bool   `gorm:"not null;default:false"`
}

func (Entry) TableName() string { return "access_logs" }
