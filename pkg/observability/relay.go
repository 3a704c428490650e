package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Relay semantic convention attributes.
var (
	AttrEventName   = attribute.Key("serfbridge.event.name")
	AttrEventKind   = attribute.Key("serfbridge.event.kind")
	AttrEventSource = attribute.Key("serfbridge.event.source")
	AttrFingerprint = attribute.Key("serfbridge.fingerprint")
	AttrTxHash      = attribute.Key("serfbridge.tx.hash")
	AttrABCICode    = attribute.Key("serfbridge.abci.code")
	AttrState       = attribute.Key("serfbridge.tx.state")
	AttrPeer        = attribute.Key("serfbridge.peer")
)

type relayInstruments struct {
	eventsReceived metric.Int64Counter
	txBroadcast    metric.Int64Counter
	txOutcome      metric.Int64Counter
}

func (p *Provider) initRelayMetrics() error {
	var err error
	p.relay.eventsReceived, err = p.meter.Int64Counter("serfbridge.events.received",
		metric.WithDescription("Gossip events ingested"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.relay.txBroadcast, err = p.meter.Int64Counter("serfbridge.tx.broadcast",
		metric.WithDescription("Transactions answered by broadcast_tx_sync"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return err
	}
	p.relay.txOutcome, err = p.meter.Int64Counter("serfbridge.tx.outcome",
		metric.WithDescription("Transactions reaching a terminal state"),
		metric.WithUnit("{transaction}"),
	)
	return err
}

// EventAttributes creates attributes for an ingested event.
func EventAttributes(name, kind, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventName.String(name),
		AttrEventKind.String(kind),
		AttrEventSource.String(source),
	}
}

// RecordEventReceived counts one ingested event.
func (p *Provider) RecordEventReceived(ctx context.Context, kind, source string) {
	if p == nil || p.relay.eventsReceived == nil {
		return
	}
	p.relay.eventsReceived.Add(ctx, 1, metric.WithAttributes(AttrEventKind.String(kind), AttrEventSource.String(source)))
}

// RecordBroadcast counts one broadcast answered by the node.
func (p *Provider) RecordBroadcast(ctx context.Context, code int64) {
	if p == nil || p.relay.txBroadcast == nil {
		return
	}
	p.relay.txBroadcast.Add(ctx, 1, metric.WithAttributes(AttrABCICode.Int64(code)))
}

// RecordOutcome counts one transaction reaching state.
func (p *Provider) RecordOutcome(ctx context.Context, state string) {
	if p == nil || p.relay.txOutcome == nil {
		return
	}
	p.relay.txOutcome.Add(ctx, 1, metric.WithAttributes(AttrState.String(state)))
}
