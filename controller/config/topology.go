package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/policy"
	"github.com/yaron8/buffer-sizing/ratelimit"
	"gopkg.in/yaml.v3"
)

var ErrInvalidTopology = errors.New("invalid topology")

// Topology lists the routers the controller attaches to and the bottleneck
// links monitored on each.
type Topology struct {
	Routers []RouterSpec `yaml:"routers"`
}

type RouterSpec struct {
	Name string `yaml:"name"`
	// CaptureAddr is the local UDP address event-capture datagrams arrive on.
	CaptureAddr string `yaml:"capture_addr"`
	// CommandAddr is where the router connects for command frames.
	CommandAddr string `yaml:"command_addr"`
	// GeneratorAddr is where the traffic generator connects. Optional.
	GeneratorAddr string     `yaml:"generator_addr,omitempty"`
	Links         []LinkSpec `yaml:"links"`
}

type LinkSpec struct {
	ID                string `yaml:"id"`
	Queue             int    `yaml:"queue"`
	Mode              string `yaml:"mode,omitempty"`
	Rule              string `yaml:"rule,omitempty"`
	RTTMs             int64  `yaml:"rtt_ms"`
	NumFlows          int    `yaml:"num_flows"`
	CustomBufferBytes int64  `yaml:"custom_buffer_bytes,omitempty"`
	RateRegister      int    `yaml:"rate_register,omitempty"`
	// UpdateAddr is the router's UpdateInfo stream for this link. Optional.
	UpdateAddr string `yaml:"update_addr,omitempty"`
}

// DefaultTopology is a single router with one monitored queue, matching the
// router emulator's defaults.
func DefaultTopology() *Topology {
	return &Topology{
		Routers: []RouterSpec{{
			Name:          "router-0",
			CaptureAddr:   ":5000",
			CommandAddr:   ":7000",
			GeneratorAddr: ":7001",
			Links: []LinkSpec{{
				ID:           "nf0",
				Queue:        1,
				Mode:         "bytes",
				Rule:         "rule_of_thumb",
				RTTMs:        50,
				NumFlows:     100,
				RateRegister: ratelimit.MinRegister,
				UpdateAddr:   "localhost:6000",
			}},
		}},
	}
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return ParseTopology(data)
}

func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks names, addresses and every link's settings.
func (t *Topology) Validate() error {
	if len(t.Routers) == 0 {
		return fmt.Errorf("%w: no routers", ErrInvalidTopology)
	}

	routers := map[string]bool{}
	links := map[string]bool{}
	for _, r := range t.Routers {
		if r.Name == "" {
			return fmt.Errorf("%w: router without a name", ErrInvalidTopology)
		}
		if routers[r.Name] {
			return fmt.Errorf("%w: duplicate router %q", ErrInvalidTopology, r.Name)
		}
		routers[r.Name] = true

		if r.CaptureAddr == "" || r.CommandAddr == "" {
			return fmt.Errorf("%w: router %q needs capture_addr and command_addr", ErrInvalidTopology, r.Name)
		}
		if len(r.Links) == 0 {
			return fmt.Errorf("%w: router %q has no links", ErrInvalidTopology, r.Name)
		}

		queues := map[int]bool{}
		for _, l := range r.Links {
			if _, err := l.LinkConfig(); err != nil {
				return fmt.Errorf("%w: router %q: %v", ErrInvalidTopology, r.Name, err)
			}
			if links[l.ID] {
				return fmt.Errorf("%w: duplicate link %q", ErrInvalidTopology, l.ID)
			}
			links[l.ID] = true
			if queues[l.Queue] {
				return fmt.Errorf("%w: router %q monitors queue %d twice", ErrInvalidTopology, r.Name, l.Queue)
			}
			queues[l.Queue] = true
		}
	}
	return nil
}

// LinkConfig converts the entry into the link's attach-time configuration.
func (l LinkSpec) LinkConfig() (link.Config, error) {
	if l.ID == "" {
		return link.Config{}, errors.New("link without an id")
	}
	if l.Queue < 0 || l.Queue >= capture.NumQueues {
		return link.Config{}, fmt.Errorf("link %q: queue %d out of range", l.ID, l.Queue)
	}
	mode, err := capture.ParseUnitMode(l.Mode)
	if err != nil {
		return link.Config{}, fmt.Errorf("link %q: %w", l.ID, err)
	}
	rule := policy.RuleOfThumb
	if l.Rule != "" {
		if rule, err = policy.ParseRule(l.Rule); err != nil {
			return link.Config{}, fmt.Errorf("link %q: %w", l.ID, err)
		}
	}
	if l.RateRegister != 0 && !ratelimit.Valid(l.RateRegister) {
		return link.Config{}, fmt.Errorf("link %q: %w: %d", l.ID, ratelimit.ErrRegisterOutOfRange, l.RateRegister)
	}
	if l.RTTMs < 0 || l.NumFlows < 0 || l.CustomBufferBytes < 0 {
		return link.Config{}, fmt.Errorf("link %q: negative policy input", l.ID)
	}

	return link.Config{
		ID:                l.ID,
		QueueID:           l.Queue,
		Mode:              mode,
		Rule:              rule,
		RTTMs:             l.RTTMs,
		NumFlows:          l.NumFlows,
		CustomBufferBytes: l.CustomBufferBytes,
		RateRegister:      l.RateRegister,
	}, nil
}
