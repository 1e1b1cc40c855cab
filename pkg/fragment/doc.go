/*
Package fragment implements the fragment store: named routing fragments
registered and deregistered by independent clients.

A fragment has two parts kept in separate directories under the same name:

	<conf_dir>/<name>      verbatim proxy configuration (backend sections)
	<backends_dir>/<name>  backend map, one "domain backend" pair per line

Apply validates the name and the map before touching the disk, then takes
the store lock (an exclusive flock on <state_dir>/fragments.lock), writes
both parts to hidden temporary files and renames them into place. Readers
take the same lock, so List, Get and Snapshot never observe one part of a
fragment without the other.

Snapshot also resolves the composed backend map. A domain mapped by more
than one fragment is owned by the fragment whose name sorts first; the
other entries are reported by Snapshot.Collisions and left out of the
composed map.
*/
package fragment
