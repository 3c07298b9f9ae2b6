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

	"github.com/alwitt/wsgateway/common"
	"github.com/apex/log"
)

// ChannelIndex maps channel name to the set of subscribed connection IDs
type ChannelIndex interface {
	// Subscribe add a connection to a channel. Idempotent.
	Subscribe(connID, channel string)
	// Unsubscribe remove a connection from a channel. Idempotent; leaving a
	// channel never joined is a no-op.
	Unsubscribe(connID, channel string)
	// MembersOf snapshot the connection IDs currently subscribed to a channel.
	// Fan-out iterates the snapshot, so concurrent membership churn can not
	// corrupt the iteration.
	MembersOf(channel string) []string
	// Channels snapshot the channels a connection is subscribed to
	Channels(connID string) []string
	// DropConnection remove a connection from every channel it belongs to
	DropConnection(connID string)
}

// channelIndexImpl implements ChannelIndex
//
// The channel-to-members and connection-to-channels maps are mutated together
// under one lock, keeping the two views in lock-step.
type channelIndexImpl struct {
	common.Component
	members map[string]map[string]bool
	byConn  map[string]map[string]bool
	lock    sync.RWMutex
}

// GetChannelIndex define a new ChannelIndex
func GetChannelIndex() (ChannelIndex, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "channel-index",
	}
	return &channelIndexImpl{
		Component: common.Component{LogTags: logTags},
		members:   make(map[string]map[string]bool),
		byConn:    make(map[string]map[string]bool),
	}, nil
}

// Subscribe add a connection to a channel
func (x *channelIndexImpl) Subscribe(connID, channel string) {
	x.lock.Lock()
	defer x.lock.Unlock()
	if _, ok := x.members[channel]; !ok {
		x.members[channel] = make(map[string]bool)
	}
	x.members[channel][connID] = true
	if _, ok := x.byConn[connID]; !ok {
		x.byConn[connID] = make(map[string]bool)
	}
	x.byConn[connID][channel] = true
	log.WithFields(x.LogTags).Debugf("Connection %s subscribed to %s", connID, channel)
}

// Unsubscribe remove a connection from a channel
func (x *channelIndexImpl) Unsubscribe(connID, channel string) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.removeMember(connID, channel)
}

// removeMember caller must hold the write lock
func (x *channelIndexImpl) removeMember(connID, channel string) {
	if conns, ok := x.members[channel]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(x.members, channel)
		}
	}
	if channels, ok := x.byConn[connID]; ok {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(x.byConn, connID)
		}
	}
}

// MembersOf snapshot the connection IDs currently subscribed to a channel
func (x *channelIndexImpl) MembersOf(channel string) []string {
	x.lock.RLock()
	defer x.lock.RUnlock()
	result := make([]string, 0, len(x.members[channel]))
	for connID := range x.members[channel] {
		result = append(result, connID)
	}
	return result
}

// Channels snapshot the channels a connection is subscribed to
func (x *channelIndexImpl) Channels(connID string) []string {
	x.lock.RLock()
	defer x.lock.RUnlock()
	result := make([]string, 0, len(x.byConn[connID]))
	for channel := range x.byConn[connID] {
		result = append(result, channel)
	}
	return result
}

// DropConnection remove a connection from every channel it belongs to
func (x *channelIndexImpl) DropConnection(connID string) {
	x.lock.Lock()
	defer x.lock.Unlock()
	for channel := range x.byConn[connID] {
		if conns, ok := x.members[channel]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(x.members, channel)
			}
		}
	}
	delete(x.byConn, connID)
	log.WithFields(x.LogTags).Debugf("Dropped connection %s from all channels", connID)
}
