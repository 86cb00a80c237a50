package events

const (
	KindCallStarted Kind = "call.started"
	KindCallEnded   Kind = "call.ended"
)

type CallStarted struct {
	Base
	RoomID string
}

func NewCallStarted(roomID string) CallStarted {
	return CallStarted{Base: NewBase(KindCallStarted), RoomID: roomID}
}

type CallEnded struct {
	Base
	RoomID string
	Reason string
}

func NewCallEnded(roomID, reason string) CallEnded {
	return CallEnded{Base: NewBase(KindCallEnded), RoomID: roomID, Reason: reason}
}
