package domain

// MessageBus routes messages between transports and the engine.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(transport string, handler func(OutboundMessage))
	Close()
}
