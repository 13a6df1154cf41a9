package realtime

// ChannelAuthorizer decides whether a subject may join a channel. The server
// wires in a policy; private channels are always restricted to their owner
// before the authorizer is consulted.
type ChannelAuthorizer interface {
	CanSubscribe(subjectID, channel string) bool
}

// AllowAll permits every subscription. It is the default policy.
type AllowAll struct{}

func (AllowAll) CanSubscribe(subjectID, channel string) bool { return true }
