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
	"sync"
	"time"

	"github.com/alwitt/wsgateway/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ConnectionRegistry owns the set of live connections and enforces the global
// capacity bound
type ConnectionRegistry interface {
	// Admit register a new connection if capacity allows. The capacity check and
	// the registration are one indivisible step; a rejection is terminal for this
	// attempt and is counted in the stats.
	Admit(userID, role string, writer SessionWriter, timestamp time.Time) (*Connection, error)
	// Remove deregister a connection and drop it from every channel. Removing an
	// unknown ID is a no-op.
	Remove(connID string)
	// Get fetch a live connection by ID
	Get(connID string) (*Connection, bool)
	// ConnectionsOfUser fetch every live connection belonging to a user
	ConnectionsOfUser(userID string) []*Connection
	// TouchActivity record inbound traffic on a connection
	TouchActivity(connID string, timestamp time.Time)
	// IdleConnections list connections without inbound traffic since the deadline
	IdleConnections(maxIdle time.Duration, now time.Time) []*Connection
	// RecordMessageRouted increment the routed message counter
	RecordMessageRouted()
	// Stats snapshot the gateway-wide counters
	Stats() GlobalStats
}

// connectionRecord registry-internal bookkeeping for one connection
type connectionRecord struct {
	conn           *Connection
	lastActivityAt time.Time
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	maxConnections int
	connections    map[string]*connectionRecord
	byUser         map[string]map[string]*Connection
	channels       ChannelIndex
	rejected       uint64
	routed         uint64
	lock           sync.Mutex
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(maxConnections int, channels ChannelIndex) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		maxConnections: maxConnections,
		connections:    make(map[string]*connectionRecord),
		byUser:         make(map[string]map[string]*Connection),
		channels:       channels,
	}, nil
}

// Admit register a new connection if capacity allows
func (r *connectionRegistryImpl) Admit(
	userID, role string, writer SessionWriter, timestamp time.Time,
) (*Connection, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	// The capacity test and the registration stay under one lock hold so
	// concurrent admits can not race past the limit.
	if len(r.connections) >= r.maxConnections {
		r.rejected++
		log.WithFields(r.LogTags).Warnf(
			"Rejected connection for user %s: at capacity %d", userID, r.maxConnections,
		)
		return nil, ErrCapacityExceeded
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Role:        role,
		ConnectedAt: timestamp,
		writer:      writer,
	}
	r.connections[conn.ID] = &connectionRecord{conn: conn, lastActivityAt: timestamp}
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][conn.ID] = conn

	log.WithFields(r.LogTags).Infof(
		"Admitted connection %s for user %s (%d active)", conn.ID, userID, len(r.connections),
	)
	return conn, nil
}

// Remove deregister a connection and drop it from every channel
func (r *connectionRegistryImpl) Remove(connID string) {
	r.lock.Lock()
	record, ok := r.connections[connID]
	if ok {
		delete(r.connections, connID)
		userConns := r.byUser[record.conn.UserID]
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, record.conn.UserID)
		}
	}
	r.lock.Unlock()

	if !ok {
		return
	}

	r.channels.DropConnection(connID)
	log.WithFields(r.LogTags).Infof(
		"Removed connection %s for user %s", connID, record.conn.UserID,
	)
}

// Get fetch a live connection by ID
func (r *connectionRegistryImpl) Get(connID string) (*Connection, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	record, ok := r.connections[connID]
	if !ok {
		return nil, false
	}
	return record.conn, true
}

// ConnectionsOfUser fetch every live connection belonging to a user
func (r *connectionRegistryImpl) ConnectionsOfUser(userID string) []*Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]*Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		result = append(result, conn)
	}
	return result
}

// TouchActivity record inbound traffic on a connection
func (r *connectionRegistryImpl) TouchActivity(connID string, timestamp time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if record, ok := r.connections[connID]; ok {
		record.lastActivityAt = timestamp
	}
}

// IdleConnections list connections without inbound traffic since the deadline
func (r *connectionRegistryImpl) IdleConnections(
	maxIdle time.Duration, now time.Time,
) []*Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	var idle []*Connection
	for _, record := range r.connections {
		if now.Sub(record.lastActivityAt) > maxIdle {
			idle = append(idle, record.conn)
		}
	}
	return idle
}

// RecordMessageRouted increment the routed message counter
func (r *connectionRegistryImpl) RecordMessageRouted() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.routed++
}

// Stats snapshot the gateway-wide counters
func (r *connectionRegistryImpl) Stats() GlobalStats {
	r.lock.Lock()
	defer r.lock.Unlock()
	return GlobalStats{
		ActiveConnections:   len(r.connections),
		ConnectionsRejected: r.rejected,
		MessagesRouted:      r.routed,
	}
}
