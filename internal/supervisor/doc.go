// Package supervisor routes connection commands to per-connection engines.
//
// The Supervisor creates an engine the first time a connection id is
// connected, runs the shared refresh scheduler and fans out the
// notifications of all engines to its subscribers. Commands for unknown ids
// return a result carrying an api.NotFoundError instead of failing.
package supervisor
