/*
Package reload implements the reload coordinator.

The change watcher raises a durable marker whenever fragments or
certificates change. A scheduler (cron or a systemd timer) runs the
coordinator periodically; each run consumes the marker and, if it was
raised, regenerates the proxy configuration from the fragment store and
reloads the proxy once, however many changes happened in between.

Runs do not overlap: a run that finds the coordinator lock held reports
OutcomeSkipped and exits successfully.
*/
package reload
