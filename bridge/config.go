package bridge

import (
	"fmt"
	"time"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/subject"
)

// StreamSpec names a stream and the subjects it captures.
type StreamSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Subjects []string `yaml:"subjects" json:"subjects"`
	// MaxAge bounds retention. Zero keeps messages until limits apply.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
}

// Config tunes the bridge. The zero value of each field takes its default.
type Config struct {
	Streams []StreamSpec

	// MaxInFlight caps concurrent backend publishes and requests.
	MaxInFlight int64
	// AcquireTimeout bounds the wait for a publish slot.
	AcquireTimeout time.Duration
	// RequestTimeout bounds core requests when the caller has no deadline.
	RequestTimeout time.Duration

	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// Defaults.
const (
	DefaultMaxInFlight    = 256
	DefaultAcquireTimeout = 2 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultAckWait        = 30 * time.Second
	DefaultMaxDeliver     = -1
	DefaultMaxAckPending  = 1000
)

// DefaultStreams returns the streams the role presets publish to and
// subscribe from.
func DefaultStreams() []StreamSpec {
	return []StreamSpec{
		{Name: "TELEMETRY", Subjects: []string{"telemetry.>", "factory.>"}},
		{Name: "COMMANDS", Subjects: []string{"commands.>"}},
		{Name: "STATUS", Subjects: []string{"status.>", "events.>"}},
	}
}

func (c Config) withDefaults() Config {
	if c.Streams == nil {
		c.Streams = DefaultStreams()
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = DefaultMaxAckPending
	}
	return c
}

// Validate checks stream names and subjects.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, s := range c.Streams {
		if s.Name == "" || !validName(s.Name) {
			return errors.WrapInvalid(fmt.Errorf("%w: stream name %q", errors.ErrInvalidConfig, s.Name),
				"bridge", "Validate", "stream spec")
		}
		if seen[s.Name] {
			return errors.WrapInvalid(fmt.Errorf("%w: duplicate stream %q", errors.ErrInvalidConfig, s.Name),
				"bridge", "Validate", "stream spec")
		}
		seen[s.Name] = true
		if len(s.Subjects) == 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: stream %q has no subjects", errors.ErrInvalidConfig, s.Name),
				"bridge", "Validate", "stream spec")
		}
		for _, subj := range s.Subjects {
			if err := subject.ValidatePattern(subj); err != nil {
				return errors.WrapInvalid(fmt.Errorf("%w: stream %q: %w", errors.ErrInvalidConfig, s.Name, err),
					"bridge", "Validate", "stream spec")
			}
		}
	}
	return nil
}

// streamFor returns the stream whose subjects cover pattern.
func (c Config) streamFor(pattern string) (string, bool) {
	for _, s := range c.Streams {
		if subject.CoversAny(pattern, s.Subjects) {
			return s.Name, true
		}
	}
	return "", false
}
