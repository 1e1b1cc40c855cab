/*
Package acme issues certificates from an ACME CA (Let's Encrypt by default)
using lego and the HTTP-01 challenge.

The challenge server listens on acme.http01_address (":8080" by default);
the proxy forwards /.well-known/acme-challenge/ to it. The account key and
registration are stored in the state database per CA directory and email,
so the account is registered once and reused by every later run. No
connection to the CA is made until a certificate is requested, renewed or
revoked.
*/
package acme
