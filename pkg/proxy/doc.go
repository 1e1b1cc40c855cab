// Package proxy composes HAProxy's configuration and backend map from the
// fragment store and drives the proxy's validate and reload commands.
package proxy
