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

package apis

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Request headers carrying the caller identity asserted by the fronting
// auth proxy. The gateway trusts these blindly.
const (
	// UserIDHeader carries the authenticated user ID
	UserIDHeader = "Wsgateway-User-ID"
	// UserRoleHeader carries the authenticated user role
	UserRoleHeader = "Wsgateway-User-Role"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// requesterIdentity read the caller identity headers off a request
func requesterIdentity(r *http.Request) (userID string, role string) {
	return r.Header.Get(UserIDHeader), r.Header.Get(UserRoleHeader)
}
