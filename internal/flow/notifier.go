package flow

import (
	"context"

	"github.com/veriflow/veriflow/pkg/log"
)

// LoggingNotifier implements Notifier by logging the side effect instead
// of delivering it anywhere, the flow-engine equivalent of MemoryDirectory
// — a real deployment wires its own webhook/email/SMS/push integration;
// this repo ships only this structured-log stand-in.
type LoggingNotifier struct {
	Logger log.Logger
}

// Notify implements Notifier.
func (n LoggingNotifier) Notify(ctx context.Context, kind string, rt RuntimeState, params map[string]string) error {
	n.Logger.WithFields(log.Fields{
		"session_id": rt.SessionID,
		"node_kind":  kind,
	}).Infof("flow: side effect dispatched")
	return nil
}
