package panel

import (
	"context"

	"github.com/gamedock/gamedock/pkg/bus"
	"github.com/gamedock/gamedock/pkg/protocol"
	"github.com/gamedock/gamedock/pkg/session"
)

// startEventPump republishes agent session events onto the panel's event
// bus, where the browser hub and any NATS mirrors pick them up. The returned
// function stops the pump.
func startEventPump(ctx context.Context, m *session.Manager, eb bus.EventBus) func() {
	forward := func(subject string) session.Handler {
		return func(ev session.Event) {
			_ = eb.Publish(ctx, subject, ev.Payload)
		}
	}

	unsubs := []func(){
		m.Subscribe(protocol.EventConsoleLine, forward(bus.SubjectConsole)),
		m.Subscribe(protocol.EventMetrics, forward(bus.SubjectMetrics)),
		m.Subscribe(protocol.EventServerState, forward(bus.SubjectServerState)),
		m.Subscribe(session.EventStateChanged, func(ev session.Event) {
			observeSessionState(m.Status())
			_ = eb.Publish(ctx, bus.SubjectSessionState, ev.Payload)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func observeSessionState(st session.Status) {
	metricSessionState.Set(float64(st.State))
	if st.State == session.StateConnecting && st.ReconnectAttempts > 0 {
		metricSessionReconnects.Inc()
	}
}
