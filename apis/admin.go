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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsgateway/common"
	"github.com/alwitt/wsgateway/gateway"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestGatewayAdminHandler REST handler for gateway administration
type APIRestGatewayAdminHandler struct {
	goutils.RestAPIHandler
	core       gateway.ConnectionGateway
	adminRole  string
	apiLimits  gateway.RouterLimits
	validate   *validator.Validate
	checkReady func() error
}

// GetAPIRestGatewayAdminHandler define APIRestGatewayAdminHandler
func GetAPIRestGatewayAdminHandler(
	core gateway.ConnectionGateway,
	gatewayConfig *common.GatewayConfig,
	apiLimits gateway.RouterLimits,
	httpConfig *common.HTTPConfig,
	checkReady func() error,
) (APIRestGatewayAdminHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway-admin",
	}
	return APIRestGatewayAdminHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		core:       core,
		adminRole:  gatewayConfig.AdminRole,
		apiLimits:  apiLimits,
		validate:   validator.New(),
		checkReady: checkReady,
	}, nil
}

// admitAdminRequest verify the caller identity against the admin role, then
// charge the request against the caller's API rate limit window. Returns a
// response code and body when the request must be refused.
func (h APIRestGatewayAdminHandler) admitAdminRequest(
	r *http.Request,
) (int, interface{}, bool) {
	userID, role := requesterIdentity(r)
	if userID == "" || role != h.adminRole {
		msg := "Forbidden"
		return http.StatusForbidden, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusForbidden, msg, fmt.Sprintf("requires role %s", h.adminRole),
		), false
	}
	decision := h.core.Limiter().CheckAndRecord(
		userID, gateway.SourceAPI, h.apiLimits.MaxRequests, h.apiLimits.Window,
	)
	if !decision.Allowed {
		msg := "Rate limit exceeded"
		return http.StatusTooManyRequests, h.GetStdRESTErrorMsg(
			r.Context(),
			http.StatusTooManyRequests,
			msg,
			fmt.Sprintf("Retry after %.0fs", decision.RetryAfter.Seconds()),
		), false
	}
	return http.StatusOK, nil, true
}

// =======================================================================
// Access policy administration

// -----------------------------------------------------------------------

// APIRestRespMessageTypeRoles response carrying the message type role table
type APIRestRespMessageTypeRoles struct {
	goutils.RestAPIBaseResponse
	// Roles the message type to required role mapping
	Roles map[string]string `json:"roles"`
}

// GetMessageTypeRoles godoc
// @Summary Read the message type role table
// @Description Read the role table currently gating inbound message types
// @tags Admin
// @Produce json
// @Param Wsgateway-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespMessageTypeRoles "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/policy/message-types [get]
func (h APIRestGatewayAdminHandler) GetMessageTypeRoles(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if code, body, ok := h.admitAdminRequest(r); !ok {
		respCode = code
		respBody = body
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespMessageTypeRoles{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Roles: h.core.Policy().MessageTypeRoles(),
	}
}

// GetMessageTypeRolesHandler Wrapper around GetMessageTypeRoles
func (h APIRestGatewayAdminHandler) GetMessageTypeRolesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetMessageTypeRoles(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqMessageTypeRoles request carrying a replacement role table
type APIRestReqMessageTypeRoles struct {
	// Roles the message type to required role mapping
	Roles map[string]string `json:"roles" validate:"required"`
}

// UpdateMessageTypeRoles godoc
// @Summary Replace the message type role table
// @Description Atomically replace the role table gating inbound message types.
// Connections admitted before the change are subject to the new table on their
// next message.
// @tags Admin
// @Accept json
// @Produce json
// @Param Wsgateway-Request-ID header string false "User provided request ID to match against logs"
// @Param setting body APIRestReqMessageTypeRoles true "Replacement role table"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/policy/message-types [put]
func (h APIRestGatewayAdminHandler) UpdateMessageTypeRoles(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if code, body, ok := h.admitAdminRequest(r); !ok {
		respCode = code
		respBody = body
		return
	}

	var params APIRestReqMessageTypeRoles
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid role table"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	h.core.Policy().ReplaceMessageTypeRoles(params.Roles)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UpdateMessageTypeRolesHandler Wrapper around UpdateMessageTypeRoles
func (h APIRestGatewayAdminHandler) UpdateMessageTypeRolesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpdateMessageTypeRoles(w, r)
	}
}

// =======================================================================
// Gateway observation

// -----------------------------------------------------------------------

// APIRestRespGatewayStats response carrying gateway-wide counters
type APIRestRespGatewayStats struct {
	goutils.RestAPIBaseResponse
	// Stats the gateway-wide counters
	Stats gateway.GlobalStats `json:"stats"`
}

// GetStats godoc
// @Summary Read gateway-wide counters
// @Description Read active connection count and lifetime reject / route counters
// @tags Admin
// @Produce json
// @Param Wsgateway-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespGatewayStats "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/stats [get]
func (h APIRestGatewayAdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if code, body, ok := h.admitAdminRequest(r); !ok {
		respCode = code
		respBody = body
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespGatewayStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: h.core.Stats(),
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestGatewayAdminHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Rate limiter administration

// -----------------------------------------------------------------------

// APIRestReqRateLimitReset request selecting which windows to reset
type APIRestReqRateLimitReset struct {
	// Identifier the rate limited identity to reset. Empty resets every window.
	Identifier string `json:"identifier"`
	// Source the traffic source of the window. Empty clears the identifier
	// under every source.
	Source string `json:"source" validate:"omitempty,oneof=gateway api"`
}

// ResetRateLimit godoc
// @Summary Reset rate limit windows
// @Description Forget recorded request history for one identity, or for all
// @tags Admin
// @Accept json
// @Produce json
// @Param Wsgateway-Request-ID header string false "User provided request ID to match against logs"
// @Param setting body APIRestReqRateLimitReset false "Window selection"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ratelimit/reset [post]
func (h APIRestGatewayAdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if code, body, ok := h.admitAdminRequest(r); !ok {
		respCode = code
		respBody = body
		return
	}

	var params APIRestReqRateLimitReset
	if r.Body != nil {
		// An empty body selects every window
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			msg := "Unable to parse request body"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid window selection"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if params.Identifier != "" {
		h.core.Limiter().Clear(params.Identifier, params.Source)
	} else {
		h.core.Limiter().ClearAll()
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ResetRateLimitHandler Wrapper around ResetRateLimit
func (h APIRestGatewayAdminHandler) ResetRateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ResetRateLimit(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestGatewayAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success if gateway REST API module is ready for use
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestGatewayAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.checkReady(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
