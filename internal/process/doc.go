// Package process supervises a long-running child process.
//
// The bridge uses it to run the serial-to-TCP gateway in front of the
// PC-link when the gateway is managed locally (see package gateway).
//
// Features:
//   - Start/stop with SIGTERM to the process group, SIGKILL after a timeout
//   - Restart on failure with exponential backoff, reset after a stable run
//   - Watchdog: repeated health check failures kill the process
//   - Output captured line by line into the debug log
//
// Example usage:
//
//	mgr := process.NewManager(process.DefaultConfig("socat", "/usr/bin/socat", args))
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
