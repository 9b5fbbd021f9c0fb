// Package dispatch routes call events to the session state machine.
//
// Every call id is owned by one actor goroutine with a bounded mailbox.
// Events of a call are processed strictly in arrival order; different calls
// run in parallel. An actor loads the session snapshot, asks the engine for
// the next step, and commits the step atomically before the resulting
// actions are returned to the caller.
//
// A hangup interrupts the step in flight, so a slow provider call never
// delays abandoning a session. A step whose commit fails is re-delivered
// once from a fresh snapshot; if the store fails again the session is
// marked failed.
//
// When a step waits for caller input the actor arms an idle timer. If no
// event arrives in time, a timeout event is processed as if the media layer
// had sent it. Actions of such steps reach the media layer through a
// CommitObserver.
package dispatch
