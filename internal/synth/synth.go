// Package synth fabricates stand-in responses while the upstream is out of reach.
// Everything here is pure: no I/O, and identical inputs give identical output.
package synth

import (
	"encoding/json"
	"fmt"

	"github.com/austindbirch/harbor_sync/internal/operation"
)

// Source says where a Result came from
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceNoData   Source = "no_data"
	SourceAccepted Source = "accepted"
)

// StatusPendingSync marks placeholder acknowledgments
const StatusPendingSync = "pending_sync"

// Result is what a caller gets back from the gateway
type Result struct {
	Source      Source `json:"source"`
	Kind        string `json:"kind"`
	OperationID string `json:"operation_id,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Body        []byte `json:"body,omitempty"`
	Synthetic   bool   `json:"synthetic"`
}

// Placeholder is the body of an accepted-but-unsynced write
type Placeholder struct {
	OperationID string            `json:"operation_id"`
	Kind        string            `json:"kind"`
	Status      string            `json:"status"`
	Target      string            `json:"target"`
	Reconcile   map[string]string `json:"reconcile,omitempty"`
}

// Synthesize answers op without the network. Writes get a placeholder
// acknowledgment carrying the operation id; reads get lastKnown when found,
// otherwise a no-data result. Data is never invented.
func Synthesize(op operation.Operation, lastKnown []byte, found bool) Result {
	if op.Method.IsWrite() {
		return accepted(op)
	}
	if found {
		return Result{
			Source:    SourceCache,
			Kind:      op.KindName(),
			Body:      append([]byte(nil), lastKnown...),
			Synthetic: true,
		}
	}
	return Result{Source: SourceNoData, Kind: op.KindName(), Synthetic: true}
}

// Network wraps a real upstream answer
func Network(op operation.Operation, statusCode int, body []byte) Result {
	return Result{
		Source:     SourceNetwork,
		Kind:       op.KindName(),
		StatusCode: statusCode,
		Body:       body,
	}
}

func accepted(op operation.Operation) Result {
	p := Placeholder{
		OperationID: op.ID,
		Kind:        op.KindName(),
		Status:      StatusPendingSync,
		Target:      op.Target,
		Reconcile:   reconcileKeys(op.Kind),
	}
	// only strings and a string map; this cannot fail
	body, _ := json.Marshal(p)
	return Result{
		Source:      SourceAccepted,
		Kind:        op.KindName(),
		OperationID: op.ID,
		StatusCode:  202,
		Body:        body,
		Synthetic:   true,
	}
}

// reconcileKeys are the client-side identifiers a caller matches against the
// server-assigned ones after replay
func reconcileKeys(kind operation.Kind) map[string]string {
	switch k := kind.(type) {
	case operation.RouteLoad:
		return map[string]string{"route_id": k.RouteID}
	case operation.MessageSend:
		return map[string]string{
			"conversation_id":   k.ConversationID,
			"client_message_id": k.ClientMessageID,
		}
	case operation.DashboardUpdate:
		return map[string]string{
			"dashboard_id": k.DashboardID,
			"widget_id":    k.WidgetID,
		}
	default:
		panic(fmt.Sprintf("synth: unhandled operation kind %T", kind))
	}
}
