package domain

import "encoding/json"

// Reserved protocol names and codes.
const (
	// ChallengeEvent is pushed by the gateway right after the socket opens.
	ChallengeEvent = "connect.challenge"
	// HandshakeMethod is the method of the single request answering the challenge.
	HandshakeMethod = "connect"
	// WildcardEvent subscribes a handler to every event.
	WildcardEvent = "*"

	// ProtocolVersion is the version this client speaks.
	ProtocolVersion = 3

	// CloseProxyAuthFailed closes a consumer socket whose local secret was wrong.
	CloseProxyAuthFailed = 4001
	// CloseHandshakeFailed is used by the client when the gateway rejects the handshake.
	CloseHandshakeFailed = 4008
)

// ClientDescriptor identifies the consumer to the gateway.
type ClientDescriptor struct {
	ID       string `json:"id" yaml:"id"`
	Version  string `json:"version" yaml:"version"`
	Platform string `json:"platform" yaml:"platform"`
	Mode     string `json:"mode" yaml:"mode"`
}

// ConnectAuth carries credentials in the handshake. Password is only ever
// meaningful to the proxy and is stripped before reaching the gateway.
type ConnectAuth struct {
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

// ConnectParams are the params of the handshake request.
type ConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      ClientDescriptor `json:"client"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes"`
	Auth        ConnectAuth      `json:"auth"`
}

// NewHandshake builds the handshake request for the given params.
func NewHandshake(id string, params ConnectParams) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, WrapOp("NewHandshake", err)
	}
	return &Request{ID: id, Method: HandshakeMethod, Params: raw}, nil
}
