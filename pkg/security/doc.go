/*
Package security provides mutual TLS for the cluster-internal control
plane: a certificate authority that issues short-lived node and client
certificates, and the AES-256-GCM helpers used to encrypt the CA's root
key at rest in the meta store.

Trimmed to cluster-internal identities only: the meta node, compactor
nodes, and the hmctl CLI all authenticate with a certificate issued by
the same in-cluster root CA. There is no ACME or public-certificate
path; an internal control plane has no public endpoint to prove
ownership of.
*/
package security
