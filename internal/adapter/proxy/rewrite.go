package proxy

import (
	"crypto/subtle"
	"encoding/json"

	"opsdeck/internal/domain"
)

// passwordFields are removed from params.auth before a handshake leaves the proxy.
var passwordFields = []string{"password", "passwd", "pass", "passphrase"}

// rewriter inspects consumer frames and rewrites the handshake.
type rewriter struct {
	secret []byte // local secret; empty disables the check
	token  string // gateway credential
}

func newRewriter(localSecret, gatewayToken string) *rewriter {
	return &rewriter{secret: []byte(localSecret), token: gatewayToken}
}

// verdict is the outcome of inspecting one consumer frame.
type verdict struct {
	frame    []byte // what to forward
	rejectID string // set when the handshake failed the local secret check
	rejected bool
}

// inspect returns data unchanged for everything except a handshake request.
// Frames that are not JSON objects are forwarded verbatim. A handshake is
// recognised by type and method alone, whatever the type of its id.
func (rw *rewriter) inspect(data []byte) verdict {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || !isHandshake(frame) {
		return verdict{frame: data}
	}
	params := objectField(frame, "params")
	auth := objectField(params, "auth")

	if len(rw.secret) > 0 {
		var password string
		if raw, ok := auth["password"]; ok {
			_ = json.Unmarshal(raw, &password)
		}
		if subtle.ConstantTimeCompare([]byte(password), rw.secret) != 1 {
			return verdict{rejectID: requestID(frame["id"]), rejected: true}
		}
	}

	for _, k := range passwordFields {
		delete(auth, k)
	}
	token, _ := json.Marshal(rw.token)
	auth["token"] = token

	// A handshake that cannot be rewritten is refused rather than forwarded
	// with its password intact.
	var err error
	if params["auth"], err = json.Marshal(auth); err != nil {
		return verdict{rejectID: requestID(frame["id"]), rejected: true}
	}
	if frame["params"], err = json.Marshal(params); err != nil {
		return verdict{rejectID: requestID(frame["id"]), rejected: true}
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return verdict{rejectID: requestID(frame["id"]), rejected: true}
	}
	return verdict{frame: out}
}

func isHandshake(frame map[string]json.RawMessage) bool {
	var typ domain.FrameType
	var method string
	if json.Unmarshal(frame["type"], &typ) != nil || json.Unmarshal(frame["method"], &method) != nil {
		return false
	}
	return typ == domain.FrameTypeRequest && method == domain.HandshakeMethod
}

// requestID returns a string id as is and any other JSON value in its
// literal form, so "7" answers a request sent with id 7.
func requestID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	return string(raw)
}

// objectField decodes m[key] as an object, or returns an empty one when the
// field is missing or not an object.
func objectField(m map[string]json.RawMessage, key string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if raw, ok := m[key]; ok {
		if err := json.Unmarshal(raw, &out); err != nil || out == nil {
			out = map[string]json.RawMessage{}
		}
	}
	return out
}

// authFailure is the response sent to a consumer whose local secret was wrong.
func authFailure(id string) ([]byte, error) {
	return domain.EncodeFrame(&domain.Response{
		ID:    id,
		OK:    false,
		Error: &domain.ErrorShape{Code: 401, Message: "invalid local secret"},
	})
}
