package operation

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of domain actions an operation can carry.
// Only types in this package implement it; switches over Kind must handle
// every variant listed here.
type Kind interface {
	KindName() string
	isKind()
}

const (
	KindRouteLoad       = "route.load"
	KindMessageSend     = "message.send"
	KindDashboardUpdate = "dashboard.update"
)

// RouteLoad fetches the data behind a navigable route
type RouteLoad struct {
	RouteID string `json:"route_id"`
}

// MessageSend posts (or retracts) a message in a conversation
type MessageSend struct {
	ConversationID  string `json:"conversation_id"`
	ClientMessageID string `json:"client_message_id"`
}

// DashboardUpdate reads or changes a single dashboard widget
type DashboardUpdate struct {
	DashboardID string `json:"dashboard_id"`
	WidgetID    string `json:"widget_id"`
}

func (RouteLoad) KindName() string       { return KindRouteLoad }
func (MessageSend) KindName() string     { return KindMessageSend }
func (DashboardUpdate) KindName() string { return KindDashboardUpdate }

func (RouteLoad) isKind()       {}
func (MessageSend) isKind()     {}
func (DashboardUpdate) isKind() {}

// ValidateKind checks that kind is a recognized variant and accepts method
func ValidateKind(kind Kind, method Method) error {
	if !method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidOperation, method)
	}
	var allowed []Method
	switch k := kind.(type) {
	case RouteLoad:
		if k.RouteID == "" {
			return fmt.Errorf("%w: route.load requires route_id", ErrInvalidOperation)
		}
		allowed = []Method{MethodRead}
	case MessageSend:
		if k.ConversationID == "" {
			return fmt.Errorf("%w: message.send requires conversation_id", ErrInvalidOperation)
		}
		allowed = []Method{MethodCreate, MethodDelete}
	case DashboardUpdate:
		if k.DashboardID == "" {
			return fmt.Errorf("%w: dashboard.update requires dashboard_id", ErrInvalidOperation)
		}
		allowed = []Method{MethodRead, MethodUpdate}
	case nil:
		return fmt.Errorf("%w: missing kind", ErrInvalidOperation)
	default:
		return fmt.Errorf("%w: unknown kind %T", ErrInvalidOperation, kind)
	}
	for _, m := range allowed {
		if m == method {
			return nil
		}
	}
	return fmt.Errorf("%w: %s does not accept method %q", ErrInvalidOperation, kind.KindName(), method)
}

// EncodeKind serializes a kind as {"type": name, ...fields}
func EncodeKind(kind Kind) ([]byte, error) {
	switch k := kind.(type) {
	case RouteLoad:
		return json.Marshal(struct {
			Type string `json:"type"`
			RouteLoad
		}{KindRouteLoad, k})
	case MessageSend:
		return json.Marshal(struct {
			Type string `json:"type"`
			MessageSend
		}{KindMessageSend, k})
	case DashboardUpdate:
		return json.Marshal(struct {
			Type string `json:"type"`
			DashboardUpdate
		}{KindDashboardUpdate, k})
	default:
		return nil, fmt.Errorf("%w: cannot encode kind %T", ErrInvalidOperation, kind)
	}
}

// DecodeKind parses the output of EncodeKind
func DecodeKind(data []byte) (Kind, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: decode kind: %v", ErrInvalidOperation, err)
	}
	switch head.Type {
	case KindRouteLoad:
		var k RouteLoad
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidOperation, head.Type, err)
		}
		return k, nil
	case KindMessageSend:
		var k MessageSend
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidOperation, head.Type, err)
		}
		return k, nil
	case KindDashboardUpdate:
		var k DashboardUpdate
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidOperation, head.Type, err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, head.Type)
	}
}
