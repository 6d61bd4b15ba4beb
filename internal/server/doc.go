// Package server implements the wschat relay: the Registry that owns the
// set of live connections and fans events out to them, the Session that
// runs the WebSocket protocol loop for each client, and the HTTP surface
// that upgrades requests into sessions.
//
// Registry state is only touched by the goroutine running Registry.Run.
// Sessions talk to it through Join, Leave and Broadcast, and receive
// payloads through their non-blocking Push method.
package server
