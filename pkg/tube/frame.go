package tube

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultService is the service name a remote shell tube is offered under.
const DefaultService = "reverse-ssh"

// Role is what a peer registers with the relay as.
type Role string

const (
	// RoleListen registers an account as online and able to receive tubes
	// for the services it advertises.
	RoleListen Role = "listen"
	// RoleOffer offers a tube to a contact.
	RoleOffer Role = "offer"
	// RoleAccept accepts a tube that was announced with an incoming frame.
	RoleAccept Role = "accept"
)

// Frame types exchanged before a tube is paired. Once both sides have seen
// a paired frame, every binary message carries tube data.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeIncoming   = "incoming"
	TypePaired     = "paired"
	TypeError      = "error"
)

// Error codes carried by error frames.
const (
	CodeBadRequest  = "bad_request"
	CodeOffline     = "offline"
	CodeUnsupported = "unsupported_service"
	CodeUnknownTube = "unknown_tube"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

var (
	ErrContactOffline     = errors.New("contact is not online")
	ErrServiceUnsupported = errors.New("contact does not support service")
	ErrUnknownTube        = errors.New("unknown tube")
	ErrPairingTimeout     = errors.New("timeout waiting for the tube to be accepted")
	ErrBadRequest         = errors.New("bad request")
)

var codeErrors = map[string]error{
	CodeBadRequest:  ErrBadRequest,
	CodeOffline:     ErrContactOffline,
	CodeUnsupported: ErrServiceUnsupported,
	CodeUnknownTube: ErrUnknownTube,
	CodeTimeout:     ErrPairingTimeout,
}

// RelayError is an error reported by the relay in an error frame.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s", e.Message)
}

// Unwrap maps the code to one of the package's sentinel errors.
func (e *RelayError) Unwrap() error {
	return codeErrors[e.Code]
}

// Frame is a control message. On the wire it is a google.protobuf.Struct in
// binary protobuf encoding, with unset fields omitted.
type Frame struct {
	Type     string
	Role     Role
	Account  string
	Contact  string
	Service  string
	Services []string
	TubeID   string
	From     string
	Code     string
	Error    string
}

// Marshal encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	fields := map[string]any{"type": f.Type}
	set := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	set("role", string(f.Role))
	set("account", f.Account)
	set("contact", f.Contact)
	set("service", f.Service)
	set("tube_id", f.TubeID)
	set("from", f.From)
	set("code", f.Code)
	set("error", f.Error)
	if len(f.Services) > 0 {
		services := make([]any, len(f.Services))
		for i, s := range f.Services {
			services[i] = s
		}
		fields["services"] = services
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build frame: %w", err)
	}
	return proto.Marshal(s)
}

// ParseFrame decodes a frame produced by Marshal.
func ParseFrame(data []byte) (*Frame, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	m := s.GetFields()
	f := &Frame{
		Type:    m["type"].GetStringValue(),
		Role:    Role(m["role"].GetStringValue()),
		Account: m["account"].GetStringValue(),
		Contact: m["contact"].GetStringValue(),
		Service: m["service"].GetStringValue(),
		TubeID:  m["tube_id"].GetStringValue(),
		From:    m["from"].GetStringValue(),
		Code:    m["code"].GetStringValue(),
		Error:   m["error"].GetStringValue(),
	}
	for _, v := range m["services"].GetListValue().GetValues() {
		f.Services = append(f.Services, v.GetStringValue())
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: frame has no type", ErrBadRequest)
	}
	return f, nil
}

// Err returns the error an error frame carries, or nil for other frames.
func (f *Frame) Err() error {
	if f.Type != TypeError {
		return nil
	}
	return &RelayError{Code: f.Code, Message: f.Error}
}

func errorFrame(code, msg string) *Frame {
	return &Frame{Type: TypeError, Code: code, Error: msg}
}
