/*
Package config loads lbctl's configuration.

Values are resolved in three layers: built-in defaults, an optional YAML file
(--config), then LBCTL_* environment variables. Nested sections map to
prefixed variables, for example:

	paths.state_dir        LBCTL_PATHS_STATE_DIR
	proxy.reload_command   LBCTL_PROXY_RELOAD_COMMAND="systemctl reload haproxy"
	acme.email             LBCTL_ACME_EMAIL
	watcher.metrics_addr   LBCTL_WATCHER_METRICS_ADDR

Validate enforces that the state directory and the composed proxy outputs are
outside the watched directories. Writing those files is a consequence of a
reload, so watching them would make every reload schedule another one.
*/
package config
