package security

import "net"

// EnsureNodeCert makes sure a TLS certificate and the cluster's CA
// certificate exist on disk for (nodeType, nodeID), issuing both from
// ca when they don't. Only a node holding the initialized CA (normally
// the bootstrapping leader) can call this the first time; nodes that
// join later receive their certs out of band from an operator running
// hmctl against the leader.
func EnsureNodeCert(ca *CertAuthority, nodeType, nodeID string, dnsNames []string, ips []net.IP) (string, error) {
	certDir, err := GetCertDir(nodeType, nodeID)
	if err != nil {
		return "", err
	}
	if CertExists(certDir) {
		return certDir, nil
	}

	cert, err := ca.IssueNodeCertificate(nodeID, nodeType, dnsNames, ips)
	if err != nil {
		return "", err
	}
	if err := SaveCertToFile(cert, certDir); err != nil {
		return "", err
	}
	if err := SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return "", err
	}
	return certDir, nil
}
