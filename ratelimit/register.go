// Package ratelimit maps requested bit rates onto the router's discrete
// rate-limiter register ladder.
package ratelimit

import (
	"errors"
	"fmt"
)

const (
	// MinRegister is the fastest setting.
	MinRegister = 2
	// MaxRegister is the slowest setting.
	MaxRegister = 16

	// MaxBps is the line rate selected by MinRegister.
	MaxBps int64 = 1_000_000_000
)

// ErrRegisterOutOfRange is returned for registers outside [MinRegister, MaxRegister].
var ErrRegisterOutOfRange = errors.New("rate limiter register out of range")

// Valid reports whether reg is a usable register value.
func Valid(reg int) bool {
	return reg >= MinRegister && reg <= MaxRegister
}

// RegisterToBps returns the rate selected by reg. Each step above
// MinRegister halves the rate.
func RegisterToBps(reg int) (int64, error) {
	if !Valid(reg) {
		return 0, fmt.Errorf("%w: %d", ErrRegisterOutOfRange, reg)
	}

	divisor := int64(1)
	for i := reg; i >= MinRegister; i-- {
		divisor *= 2
	}
	return MaxBps / (divisor / 2), nil
}

// BpsToRegister returns the register for targetBps. Starting at the line
// rate, the working rate is halved while it still exceeds the target, up to
// MaxRegister. Table rates map back onto their own register.
func BpsToRegister(targetBps int64) int {
	reg := MinRegister
	rate := MaxBps
	for rate > targetBps && reg < MaxRegister {
		rate /= 2
		reg++
	}
	return reg
}

// Table returns the rate of every register, indexed from MinRegister.
func Table() []int64 {
	out := make([]int64, 0, MaxRegister-MinRegister+1)
	for reg := MinRegister; reg <= MaxRegister; reg++ {
		bps, _ := RegisterToBps(reg)
		out = append(out, bps)
	}
	return out
}
