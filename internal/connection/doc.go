// Package connection drives the lifecycle of Azure DevOps connections.
//
// An Engine owns one connection and moves it through authentication, API
// client construction and provider construction to Connected, and from
// there through token refreshes and failures. Every command and every step
// result is handled on the engine's own goroutine, so the runtime state is
// never shared; readers get copies through Snapshot. Results of steps that
// were started before a Disconnect, Reset or fresh Connect are discarded.
//
// Engines never return Go errors from commands. A CommandResult says whether
// the command was accepted, and failures are recorded in the runtime state
// and announced to listeners as ConnectionFailed notifications.
package connection
