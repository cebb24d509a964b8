// Package azdo is the default client and provider factory of the connection
// engine. The client sends authenticated, retried requests below a project's
// REST root; the provider validates access with a work item type probe.
package azdo
