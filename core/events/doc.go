// Package events defines the call events the agent emits and the bus they
// are delivered on.
//
// turn_state events
//
//   - TurnCompleted (turn_state.completed): a user or assistant turn
//     completed; carries the role and the final text of the turn.
//
// call events
//
//   - CallStarted (call.started): the media session is live.
//   - CallEnded (call.ended): the call was terminated; carries the reason.
//
// Handlers registered on a [Bus] are called synchronously, in registration
// order, for every emitted event. Events are therefore observed in the order
// they were emitted.
package events
