/*
Package worker implements the per-worker state machine: the lifecycle
of one worker process instance, from the moment the engine decides to spawn
it through to its final termination.

A Handle moves through a fixed sequence of states:

	spawning -> handshaking -> active -> sealing -> terminating -> stopped
	    |            |
	    +-> broken <-+

spawning and handshaking each carry their own timeout; active accepts
channel injections and answers heartbeats; sealing drains in-flight
channels before forcing a move to terminating; terminating sends the
terminate control RPC and then tears down the underlying OS process.
broken and stopped are terminal: the engine's cleanup callback fires
exactly once when either is reached.

A Handle does not own an event loop of its own. Its transitions are driven
by whichever goroutine observes the triggering event — the spawn goroutine,
the owning Session's reader goroutine, or a state's own timer — and are
serialized by a per-worker mutex, matching the "each state owns its timers"
contract described in the engine's design.
*/
package worker
