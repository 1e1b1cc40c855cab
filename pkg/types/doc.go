/*
Package types defines the data structures shared by lbctl's components.

# Fragments

A Fragment is the unit a client registers with the fragment store. It has two
parts that are always stored and removed together:

  - Conf: opaque proxy configuration text (HAProxy backend sections), stored
    verbatim under <conf_dir>/<name>
  - Map: ordered (domain, backend) pairs, stored as "<domain> <backend>" lines
    under <backends_dir>/<name>; domains are lower-cased on ingestion

The Domain Set used by the certificate manager is derived from the Map parts of
all fragments and is never stored.

# Certificates

CertRecord tracks a domain through its certificate lifecycle:

	absent ──request──▶ pending ──ok──▶ valid ──threshold──▶ expiring
	                       │                                    │
	                       └──fail (retried next run)           └──renew──▶ valid
	valid/expiring ──domain no longer mapped──▶ removed

The PEM bundle on disk is the durable form of "valid"; the record only carries
renewal bookkeeping and the last failure.
*/
package types
