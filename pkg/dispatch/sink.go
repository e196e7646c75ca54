package dispatch

import "github.com/mahaj/panchakarma-chat/pkg/model"

// Sink is the part of the conversation store the dispatcher feeds.
type Sink interface {
	IngestMessage(msg model.Message)
	ReportConnectionError(msg string)
	ClearConnectionError()
}

// Bind forwards dispatcher events to sink. Messages are forwarded without any
// filtering; deduplication is the sink's job.
func Bind(d *Dispatcher, sink Sink) (unbind func()) {
	return d.Subscribe(func(ev Event) {
		switch ev := ev.(type) {
		case MessageReceived:
			sink.IngestMessage(ev.Message)
		case ErrorRaised:
			sink.ReportConnectionError(ev.Message)
		case ConnectionChanged:
			if ev.Connected {
				sink.ClearConnectionError()
			}
		}
	})
}
