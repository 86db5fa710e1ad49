// Package policy computes bottleneck buffer sizes from the classical sizing
// rules.
package policy

import (
	"fmt"
	"math"
	"strings"
)

// Rule selects how the buffer size is derived.
type Rule int

const (
	// RuleOfThumb sizes the buffer at one bandwidth-delay product.
	RuleOfThumb Rule = iota
	// FlowSensitive divides the bandwidth-delay product by sqrt(flows).
	FlowSensitive
	// Custom uses an explicitly configured size.
	Custom
)

func (r Rule) String() string {
	switch r {
	case RuleOfThumb:
		return "rule_of_thumb"
	case FlowSensitive:
		return "flow_sensitive"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("rule(%d)", int(r))
	}
}

// ParseRule accepts the names produced by Rule.String, case-insensitively.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rule_of_thumb", "ruleofthumb", "rot":
		return RuleOfThumb, nil
	case "flow_sensitive", "flowsensitive", "stanford":
		return FlowSensitive, nil
	case "custom":
		return Custom, nil
	default:
		return RuleOfThumb, fmt.Errorf("unknown buffer sizing rule %q", s)
	}
}

// Compute returns the buffer size in bytes.
func Compute(rule Rule, rttMs, rateLimitKbps int64, numFlows int, customBytes int64) int64 {
	switch rule {
	case FlowSensitive:
		if numFlows < 1 {
			numFlows = 1
		}
		return int64(float64(ruleOfThumb(rttMs, rateLimitKbps)) / math.Sqrt(float64(numFlows)))
	case Custom:
		return customBytes
	default:
		return ruleOfThumb(rttMs, rateLimitKbps)
	}
}

// ms * kbit/s = bits; /8 for bytes
func ruleOfThumb(rttMs, rateLimitKbps int64) int64 {
	return rttMs * rateLimitKbps / 8
}

// Packets converts a buffer size to the packet count the router expects.
func Packets(bufferBytes int64) int64 {
	return bufferBytes / 1000
}
