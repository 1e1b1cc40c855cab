/*
Package health provides the checks lbctl runs against the proxy.

Three checkers implement the Checker interface:

  - ExecChecker runs a host command. It validates candidate configurations
    ("haproxy -c -f <file>") and issues reloads; Result.Output carries the
    command output so a rejection can be reported verbatim.
  - TCPChecker dials a listener to confirm the proxy accepts connections
    after a reload.
  - HTTPChecker requests a monitor URI and checks the status code.

WaitHealthy repeats a check until it passes or fails Config.Retries times in
a row, tracking progress in a Status:

	result := health.WaitHealthy(ctx, health.NewTCPChecker("127.0.0.1:443"), health.DefaultConfig())
	if !result.Healthy {
		return fmt.Errorf("proxy not accepting connections: %s", result.Message)
	}
*/
package health
