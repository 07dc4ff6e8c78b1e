// Package api holds the message envelope helpers shared by the call-manager
// and media-manager services: default headers, per-kind required-field
// validation and the media-name grammar.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/AsherBond/whistle/pkg/version"
)

// AppName identifies this application in every published envelope.
const AppName = "whistle"

// EnvelopeError reports a payload that failed validation for its request
// kind. It is returned to the caller before anything touches the broker.
type EnvelopeError struct {
	Kind    string
	Missing []string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("invalid %s envelope, missing %v", e.Kind, e.Missing)
}

// Required field sets per request kind. Presence is what matters; values are
// opaque to the transport layer.
var (
	authReqRequired  = []string{"Msg-ID", "To", "From", "Orig-IP", "Auth-User", "Auth-Domain"}
	routeReqRequired = []string{"Msg-ID", "To", "From", "Call-ID", "Caller-ID-Name", "Caller-ID-Number"}
	regQueryRequired = []string{"Msg-ID", "Username", "Realm", "Fields"}
	mediaReqRequired = []string{"Media-Name", "Stream-Type", "Server-ID"}
	mediaErrRequired = []string{"Media-Name", "Error-Code"}
)

// DefaultHeaders returns the headers injected into every published message.
func DefaultHeaders(serverID, category, name string) map[string]any {
	return map[string]any{
		"App-Name":       AppName,
		"App-Version":    version.Version,
		"Event-Category": category,
		"Event-Name":     name,
		"Server-ID":      serverID,
	}
}

// Shaper validates a payload for one request kind and returns the serialized
// envelope ready for publishing.
type Shaper func(payload map[string]any) ([]byte, error)

func shape(kind, category string, required []string, payload map[string]any) ([]byte, error) {
	var missing []string
	for _, field := range required {
		if _, ok := payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &EnvelopeError{Kind: kind, Missing: missing}
	}

	serverID, _ := payload["Server-ID"].(string)
	out := make(map[string]any, len(payload)+5)
	for k, v := range payload {
		out[k] = v
	}
	for k, v := range DefaultHeaders(serverID, category, kind) {
		out[k] = v
	}
	return json.Marshal(out)
}

// AuthReq shapes an authentication request envelope.
func AuthReq(payload map[string]any) ([]byte, error) {
	return shape(KeyAuthReq, "directory", authReqRequired, payload)
}

// RouteReq shapes a route request envelope.
func RouteReq(payload map[string]any) ([]byte, error) {
	return shape(KeyRouteReq, "dialplan", routeReqRequired, payload)
}

// RegQuery shapes a registration query envelope.
func RegQuery(payload map[string]any) ([]byte, error) {
	return shape(KeyRegQuery, "directory", regQueryRequired, payload)
}

// MediaReq shapes a media request envelope.
func MediaReq(payload map[string]any) ([]byte, error) {
	return shape(KeyMediaReq, "media", mediaReqRequired, payload)
}

// ValidateMediaReq checks a consumed media request payload. Stream-Type is
// not required here; consumers default it to "new".
func ValidateMediaReq(payload map[string]any) error {
	var missing []string
	for _, field := range []string{"Media-Name", "Server-ID"} {
		if _, ok := payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &EnvelopeError{Kind: KeyMediaReq, Missing: missing}
	}
	return nil
}

// MediaError shapes the error envelope reported back to a media requester.
// Code must be one of not_found, no_data or other; msg is optional.
func MediaError(mediaName, code, msg, serverID string) ([]byte, error) {
	payload := map[string]any{
		"Media-Name": mediaName,
		"Error-Code": code,
		"Server-ID":  serverID,
	}
	if msg != "" {
		payload["Error-Msg"] = msg
	}
	return shape("media_error", "media", mediaErrRequired, payload)
}

// Media error codes.
const (
	MediaErrNotFound = "not_found"
	MediaErrNoData   = "no_data"
	MediaErrOther    = "other"
)
