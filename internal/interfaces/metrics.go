package interfaces

// MetricsRecorder receives operational counters from the registry, the
// persister, the retention job and the multiplexer.
type MetricsRecorder interface {
	PersistDropped()
	PersistFailed()
	TasksEvicted(n int)
	TasksPurged(n int)
	SetStaleTasks(n int)
	FrameSent(frameType string)
	ChannelPruned()
	SetChannels(owners, channels int)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) PersistDropped()                  {}
func (NopMetrics) PersistFailed()                   {}
func (NopMetrics) TasksEvicted(n int)               {}
func (NopMetrics) TasksPurged(n int)                {}
func (NopMetrics) SetStaleTasks(n int)              {}
func (NopMetrics) FrameSent(frameType string)       {}
func (NopMetrics) ChannelPruned()                   {}
func (NopMetrics) SetChannels(owners, channels int) {}
