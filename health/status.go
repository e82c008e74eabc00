package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/c360/querycache/natsclient"
	"github.com/c360/querycache/pkg/cache"
)

// Status values
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	natsURLRegex    = regexp.MustCompile(`(nats|tls)://[^\s,]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or of the whole node
type Status struct {
	Component   string        `json:"component"`
	Healthy     bool          `json:"healthy"` // true unless status is "unhealthy"
	Status      string        `json:"status"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	SubStatuses []Status      `json:"sub_statuses,omitempty"`
	Cache       *CacheMetrics `json:"cache,omitempty"`
}

// CacheMetrics summarizes a cache in a health report
type CacheMetrics struct {
	Entries       int64         `json:"entries"`
	ResidentBytes int64         `json:"resident_bytes"`
	CapacityBytes int64         `json:"capacity_bytes"`
	HitRatio      float64       `json:"hit_ratio"`
	Evictions     int64         `json:"evictions"`
	Uptime        time.Duration `json:"uptime"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state != StateUnhealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// Aggregate combines sub-statuses: unhealthy if any is unhealthy, otherwise
// degraded if any is degraded, otherwise healthy.
func Aggregate(component string, subStatuses []Status) Status {
	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more components are degraded")
	default:
		status = NewHealthy(component, "All components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// FromCache reports a cache. Caches are always healthy; the report carries
// their occupancy and hit ratio.
func FromCache(name string, stats *cache.Statistics, capacity int64) Status {
	status := NewHealthy(name, fmt.Sprintf("%d entries resident", stats.CurrentSize()))
	status.Cache = &CacheMetrics{
		Entries:       stats.CurrentSize(),
		ResidentBytes: stats.MemoryUsage(),
		CapacityBytes: capacity,
		HitRatio:      stats.HitRatio(),
		Evictions:     stats.EvictionCount(),
		Uptime:        stats.Uptime(),
	}
	return status
}

// FromNATS reports the table event transport. A reconnecting client is
// degraded: events published meanwhile are buffered by the NATS client.
func FromNATS(name string, s *natsclient.Status, url string) Status {
	target := sanitize(url)
	switch s.Status {
	case natsclient.StatusConnected:
		return NewHealthy(name, fmt.Sprintf("connected to %s (rtt %v)", target, s.RTT))
	case natsclient.StatusConnecting, natsclient.StatusReconnecting:
		return NewDegraded(name, fmt.Sprintf("%s to %s after %d reconnects", s.Status, target, s.Reconnects))
	default:
		return NewUnhealthy(name, fmt.Sprintf("%s (%d failures)", s.Status, s.FailureCount))
	}
}

// sanitize strips credentials embedded in NATS URLs and key=value pairs.
func sanitize(s string) string {
	s = natsURLRegex.ReplaceAllStringFunc(s, func(u string) string {
		scheme, rest, _ := strings.Cut(u, "://")
		if at := strings.LastIndexByte(rest, '@'); at >= 0 {
			rest = "[REDACTED]@" + rest[at+1:]
		}
		return scheme + "://" + rest
	})
	return credentialRegex.ReplaceAllString(s, "[REDACTED]")
}
