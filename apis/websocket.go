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
	"errors"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsgateway/common"
	"github.com/alwitt/wsgateway/gateway"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// wsSessionWriter gateway.SessionWriter backed by one websocket connection.
// gorilla/websocket permits a single concurrent writer, so sends serialize
// on a mutex.
type wsSessionWriter struct {
	lock sync.Mutex
	ws   *websocket.Conn
}

// SendMessage write one message to the websocket as a JSON text frame
func (w *wsSessionWriter) SendMessage(msg gateway.Message) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.ws.WriteJSON(&msg)
}

// Close close the underlying websocket
func (w *wsSessionWriter) Close() error {
	return w.ws.Close()
}

// =======================================================================

// APIRestGatewaySessionHandler REST handler upgrading clients into gateway sessions
type APIRestGatewaySessionHandler struct {
	goutils.RestAPIHandler
	core     gateway.ConnectionGateway
	upgrader websocket.Upgrader
}

// GetAPIRestGatewaySessionHandler define APIRestGatewaySessionHandler
func GetAPIRestGatewaySessionHandler(
	core gateway.ConnectionGateway, httpConfig *common.HTTPConfig,
) (APIRestGatewaySessionHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway-session",
	}
	return APIRestGatewaySessionHandler{
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
		core: core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin control is the fronting proxy's responsibility
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// ServeSession godoc
// @Summary Open a gateway session
// @Description Upgrade the caller onto a websocket and attach it to the
// connection gateway. Caller identity comes from the auth proxy headers.
// @tags Gateway
// @Param Wsgateway-User-ID header string true "Authenticated user ID"
// @Param Wsgateway-User-Role header string true "Authenticated user role"
// @Success 101 {string} string "protocol switch"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws [get]
func (h APIRestGatewaySessionHandler) ServeSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	userID, role := requesterIdentity(r)
	if userID == "" || role == "" {
		msg := "Missing caller identity"
		log.WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	writer := &wsSessionWriter{ws: ws}

	session, err := h.core.Connect(r.Context(), userID, role, writer)
	if err != nil {
		if errors.Is(err, gateway.ErrCapacityExceeded) {
			log.WithFields(localLogTags).Infof(
				"Refused connection of user %s: at capacity", userID,
			)
		} else {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to admit connection of user %s", userID,
			)
		}
		// Tell the client why before dropping the transport
		if sendErr := writer.SendMessage(gateway.ErrorMessage(err.Error())); sendErr != nil {
			log.WithError(sendErr).WithFields(localLogTags).Debug("Reject notice not delivered")
		}
		_ = writer.Close()
		return
	}
	log.WithFields(localLogTags).Infof(
		"Connection %s of user %s attached", session.ID, session.UserID,
	)

	defer func() {
		h.core.Disconnect(session.ID)
		_ = writer.Close()
		log.WithFields(localLogTags).Infof(
			"Connection %s of user %s detached", session.ID, session.UserID,
		)
	}()

	// Read pump. One reader per session keeps per-connection processing in
	// arrival order.
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(localLogTags).Debugf(
					"Connection %s read failure", session.ID,
				)
			}
			return
		}
		h.core.HandleMessage(r.Context(), session, raw)
	}
}

// ServeSessionHandler Wrapper around ServeSession
func (h APIRestGatewaySessionHandler) ServeSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeSession(w, r)
	}
}
