package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Level values.
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

// Status is the health of one component or of the whole process.
type Status struct {
	Component   string         `json:"component"`
	Healthy     bool           `json:"healthy"`
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == LevelHealthy }
func (s Status) IsDegraded() bool  { return s.Status == LevelDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == LevelUnhealthy }

// WithDetail returns a copy of s with key set in Details.
func (s Status) WithDetail(key string, value any) Status {
	details := make(map[string]any, len(s.Details)+1)
	for k, v := range s.Details {
		details[k] = v
	}
	details[key] = value
	s.Details = details
	return s
}

func newStatus(component, level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == LevelHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(component, message string) Status {
	return newStatus(component, LevelHealthy, message)
}

func NewDegraded(component, message string) Status {
	return newStatus(component, LevelDegraded, message)
}

func NewUnhealthy(component, message string) Status {
	return newStatus(component, LevelUnhealthy, message)
}

// FromError reports component unhealthy with a scrubbed error message.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, Sanitize(err.Error()))
}

// Sanitize removes URLs, paths, addresses, ports and credentials from msg.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
			break
		}
	}
	return out
}

// Aggregate folds sub into one status for component.
func Aggregate(component string, sub []Status) Status {
	if len(sub) == 0 {
		return NewHealthy(component, "no components registered")
	}

	unhealthy, degraded := 0, 0
	for _, s := range sub {
		switch {
		case s.IsUnhealthy():
			unhealthy++
		case s.IsDegraded():
			degraded++
		}
	}

	var status Status
	switch {
	case unhealthy > 0:
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case degraded > 0:
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "all components are healthy")
	}
	status.SubStatuses = append([]Status(nil), sub...)
	return status
}
