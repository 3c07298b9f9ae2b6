// Copyright 2022 The wsgateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsgateway/common"
	"github.com/apex/log"
)

// LimiterMode rate limiter operating mode
type LimiterMode string

// Supported rate limiter operating modes
const (
	// ModeProduction checks always run; bypass is never honored
	ModeProduction LimiterMode = "production"
	// ModeDevelopment checks run unless bypass is enabled
	ModeDevelopment LimiterMode = "development"
	// ModeTesting checks run unless bypass is enabled
	ModeTesting LimiterMode = "testing"
)

// Rate limit traffic sources. Windows for different sources never share
// counters, so the gateway threshold is independent of the general API one.
const (
	// SourceGateway websocket gateway traffic
	SourceGateway = "gateway"
	// SourceAPI general REST API traffic
	SourceAPI = "api"
)

// LimitDecision outcome of one rate limit check
type LimitDecision struct {
	// Allowed whether the request fits within the window
	Allowed bool
	// RetryAfter time until the oldest retained request leaves the window.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// RateLimiter sliding-window request counter keyed by (identifier, source)
type RateLimiter interface {
	// CheckAndRecord purge requests older than the window, then admit and record
	// the new request if fewer than maxRequests remain
	CheckAndRecord(
		identifier, source string, maxRequests int, window time.Duration,
	) LimitDecision
	// SetBypass enable or disable check bypassing. Honored in every mode except
	// production.
	SetBypass(enable bool)
	// ShouldBypass whether checks are currently bypassed
	ShouldBypass() bool
	// Clear forget the window state of one (identifier, source). An empty
	// source clears the identifier under every source.
	Clear(identifier, source string)
	// ClearAll forget all window state
	ClearAll()
}

// requestWindow per (identifier, source) sliding window state
type requestWindow struct {
	lock   sync.Mutex
	stamps []time.Time
}

// rateLimiterImpl implements RateLimiter
type rateLimiterImpl struct {
	common.Component
	mode    LimiterMode
	bypass  bool
	windows map[string]*requestWindow
	lock    sync.RWMutex
	timeNow func() time.Time
}

// GetRateLimiter define a new RateLimiter operating in a given mode
func GetRateLimiter(mode LimiterMode) (RateLimiter, error) {
	switch mode {
	case ModeProduction, ModeDevelopment, ModeTesting:
	default:
		return nil, fmt.Errorf("unknown rate limiter mode %s", mode)
	}
	logTags := log.Fields{
		"module": "gateway", "component": "rate-limiter", "mode": string(mode),
	}
	return &rateLimiterImpl{
		Component: common.Component{LogTags: logTags},
		mode:      mode,
		windows:   make(map[string]*requestWindow),
		timeNow:   time.Now,
	}, nil
}

func windowKey(identifier, source string) string {
	return fmt.Sprintf("%s/%s", source, identifier)
}

// getWindow fetch or create the window for one (identifier, source)
func (l *rateLimiterImpl) getWindow(identifier, source string) *requestWindow {
	key := windowKey(identifier, source)
	l.lock.RLock()
	window, ok := l.windows[key]
	l.lock.RUnlock()
	if ok {
		return window
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if window, ok := l.windows[key]; ok {
		return window
	}
	window = &requestWindow{}
	l.windows[key] = window
	return window
}

// CheckAndRecord purge, check, and record one request against a window
func (l *rateLimiterImpl) CheckAndRecord(
	identifier, source string, maxRequests int, window time.Duration,
) LimitDecision {
	if l.ShouldBypass() {
		return LimitDecision{Allowed: true}
	}

	state := l.getWindow(identifier, source)

	// Purge-check-record runs under the window's own lock, so two concurrent
	// requests for the same identifier can not both claim the last slot. Windows
	// for different identifiers never contend here.
	state.lock.Lock()
	defer state.lock.Unlock()

	now := l.timeNow()
	cutoff := now.Add(-window)
	retained := state.stamps[:0]
	for _, stamp := range state.stamps {
		if stamp.After(cutoff) {
			retained = append(retained, stamp)
		}
	}
	state.stamps = retained

	if len(state.stamps) >= maxRequests {
		retryAfter := state.stamps[0].Sub(cutoff)
		log.WithFields(l.LogTags).Debugf(
			"Denied %s/%s: %d requests within %s", source, identifier, len(state.stamps), window,
		)
		return LimitDecision{Allowed: false, RetryAfter: retryAfter}
	}

	state.stamps = append(state.stamps, now)
	return LimitDecision{Allowed: true}
}

// SetBypass enable or disable check bypassing
func (l *rateLimiterImpl) SetBypass(enable bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.bypass = enable
}

// ShouldBypass whether checks are currently bypassed. Production mode never
// bypasses regardless of configuration.
func (l *rateLimiterImpl) ShouldBypass() bool {
	if l.mode == ModeProduction {
		return false
	}
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.bypass
}

// Clear forget the window state of one (identifier, source). An empty source
// clears the identifier under every source.
func (l *rateLimiterImpl) Clear(identifier, source string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if source == "" {
		delete(l.windows, windowKey(identifier, SourceGateway))
		delete(l.windows, windowKey(identifier, SourceAPI))
		return
	}
	delete(l.windows, windowKey(identifier, source))
}

// ClearAll forget all window state
func (l *rateLimiterImpl) ClearAll() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.windows = make(map[string]*requestWindow)
	log.WithFields(l.LogTags).Info("Cleared all rate limit windows")
}
