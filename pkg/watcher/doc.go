/*
Package watcher implements the change watcher.

The watcher observes the certificate, configuration fragment and backend map
directories (recursively) and raises the reload marker on any create, write,
remove or rename below them. Permission-only changes are ignored, as are the
composed proxy outputs.

fsnotify cannot report what happened while the process was not running, and
the kernel may drop events under load. The watcher therefore also keeps a
fingerprint of every watched tree in the state database and compares it at
startup and every rescan interval; any difference raises the marker.
*/
package watcher
