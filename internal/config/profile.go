package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamClass describes one kind of traffic the sender generates: a block
// of BlockSize bytes every Interval, all sharing a priority and deadline.
type StreamClass struct {
	Name              string        `yaml:"name"`
	Priority          uint64        `yaml:"priority"`
	Deadline          time.Duration `yaml:"deadline"`
	BlockSize         int           `yaml:"block_size"`
	Interval          time.Duration `yaml:"interval"`
	DependsOnPrevious bool          `yaml:"depends_on_previous"`
}

// Profile is the set of stream classes sent concurrently.
type Profile struct {
	Streams []StreamClass `yaml:"streams"`
}

// DefaultProfile mixes a latency-bound stream of dependent frames with bulk
// background data.
func DefaultProfile() Profile {
	return Profile{Streams: []StreamClass{
		{
			Name:              "video",
			Priority:          0,
			Deadline:          200 * time.Millisecond,
			BlockSize:         64 * 1024,
			Interval:          33 * time.Millisecond,
			DependsOnPrevious: true,
		},
		{
			Name:      "audio",
			Priority:  1,
			Deadline:  150 * time.Millisecond,
			BlockSize: 2 * 1024,
			Interval:  20 * time.Millisecond,
		},
		{
			Name:      "bulk",
			Priority:  2,
			Deadline:  2 * time.Second,
			BlockSize: 256 * 1024,
			Interval:  250 * time.Millisecond,
		},
	}}
}

// LoadProfile reads a YAML profile. An empty path returns DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile. Unknown keys are
// rejected.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("%w: parse profile: %v", ErrInvalidConfig, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks every stream class.
func (p Profile) Validate() error {
	if len(p.Streams) == 0 {
		return fmt.Errorf("%w: profile has no streams", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(p.Streams))
	for i, s := range p.Streams {
		switch {
		case s.Name == "":
			return fmt.Errorf("%w: stream %d has no name", ErrInvalidConfig, i)
		case seen[s.Name]:
			return fmt.Errorf("%w: duplicate stream %q", ErrInvalidConfig, s.Name)
		case s.Deadline <= 0:
			return fmt.Errorf("%w: stream %q needs a positive deadline", ErrInvalidConfig, s.Name)
		case s.BlockSize <= 0:
			return fmt.Errorf("%w: stream %q needs a positive block_size", ErrInvalidConfig, s.Name)
		case s.Interval <= 0:
			return fmt.Errorf("%w: stream %q needs a positive interval", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
