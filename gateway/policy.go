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
	"strings"
	"sync/atomic"

	"github.com/alwitt/wsgateway/common"
	"github.com/apex/log"
)

// AccessPolicy maps message types and channel name prefixes to required roles.
//
// Both tables are replaceable as a whole at runtime; readers always observe
// either the entirely-old or entirely-new table, never a mix.
type AccessPolicy interface {
	// RequiredRoleForMessageType the role required to send a message type, if any
	RequiredRoleForMessageType(msgType string) (string, bool)
	// RequiredRoleForChannel the role required to subscribe to a channel, if any,
	// resolved by longest matching configured prefix
	RequiredRoleForChannel(channel string) (string, bool)
	// Authorize whether a role satisfies a requirement
	Authorize(role, required string) bool
	// ReplaceMessageTypeRoles atomically swap the message type role table
	ReplaceMessageTypeRoles(newTable map[string]string)
	// ReplaceChannelRolePrefixes atomically swap the channel prefix role table
	ReplaceChannelRolePrefixes(newTable map[string]string)
	// MessageTypeRoles copy of the current message type role table
	MessageTypeRoles() map[string]string
	// ChannelRolePrefixes copy of the current channel prefix role table
	ChannelRolePrefixes() map[string]string
}

// accessPolicyImpl implements AccessPolicy
//
// Each table lives behind an atomic.Value holding an immutable map snapshot;
// replacement swaps the snapshot rather than patching fields in place.
type accessPolicyImpl struct {
	common.Component
	msgTypeRoles atomic.Value
	channelRoles atomic.Value
}

// GetAccessPolicy define a new AccessPolicy with initial tables
func GetAccessPolicy(
	msgTypeRoles map[string]string, channelRolePrefixes map[string]string,
) (AccessPolicy, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "access-policy",
	}
	instance := &accessPolicyImpl{
		Component: common.Component{LogTags: logTags},
	}
	instance.msgTypeRoles.Store(copyTable(msgTypeRoles))
	instance.channelRoles.Store(copyTable(channelRolePrefixes))
	return instance, nil
}

func copyTable(src map[string]string) map[string]string {
	result := make(map[string]string, len(src))
	for k, v := range src {
		result[k] = v
	}
	return result
}

// RequiredRoleForMessageType the role required to send a message type, if any
func (p *accessPolicyImpl) RequiredRoleForMessageType(msgType string) (string, bool) {
	table := p.msgTypeRoles.Load().(map[string]string)
	role, ok := table[msgType]
	return role, ok
}

// RequiredRoleForChannel the role required to subscribe to a channel, if any
func (p *accessPolicyImpl) RequiredRoleForChannel(channel string) (string, bool) {
	table := p.channelRoles.Load().(map[string]string)
	matchedRole := ""
	matchedLen := -1
	for prefix, role := range table {
		if strings.HasPrefix(channel, prefix) && len(prefix) > matchedLen {
			matchedRole = role
			matchedLen = len(prefix)
		}
	}
	return matchedRole, matchedLen >= 0
}

// Authorize whether a role satisfies a requirement.
//
// Roles are compared by exact match; unmatched requirements deny.
func (p *accessPolicyImpl) Authorize(role, required string) bool {
	return role == required
}

// ReplaceMessageTypeRoles atomically swap the message type role table
func (p *accessPolicyImpl) ReplaceMessageTypeRoles(newTable map[string]string) {
	p.msgTypeRoles.Store(copyTable(newTable))
	log.WithFields(p.LogTags).Infof(
		"Replaced message type role table with %d entries", len(newTable),
	)
}

// ReplaceChannelRolePrefixes atomically swap the channel prefix role table
func (p *accessPolicyImpl) ReplaceChannelRolePrefixes(newTable map[string]string) {
	p.channelRoles.Store(copyTable(newTable))
	log.WithFields(p.LogTags).Infof(
		"Replaced channel prefix role table with %d entries", len(newTable),
	)
}

// MessageTypeRoles copy of the current message type role table
func (p *accessPolicyImpl) MessageTypeRoles() map[string]string {
	return copyTable(p.msgTypeRoles.Load().(map[string]string))
}

// ChannelRolePrefixes copy of the current channel prefix role table
func (p *accessPolicyImpl) ChannelRolePrefixes() map[string]string {
	return copyTable(p.channelRoles.Load().(map[string]string))
}
