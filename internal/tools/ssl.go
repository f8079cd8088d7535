package tools

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	certLifetime = 365 * 24 * time.Hour
	// Regenerate when the current certificate is this close to expiring.
	certRenewBefore = 30 * 24 * time.Hour
)

// EnsureCertificate keeps a self-signed certificate for hosts at certPath and
// keyPath, generating a new pair when either is missing, unreadable or close
// to expiry.
func EnsureCertificate(certPath, keyPath string, hosts []string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil && time.Now().Before(x509Cert.NotAfter.Add(-certRenewBefore)) {
			return nil
		}
	}
	logrus.WithField("cert", certPath).Info("Generating a self-signed certificate")
	return generateSelfSignedCertificate(certPath, keyPath, hosts)
}

func generateSelfSignedCertificate(certPath, keyPath string, hosts []string) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"AP3216 Meter"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return err
	}

	if err := writePEM(keyPath, "PRIVATE KEY", keyBytes, 0600); err != nil {
		return err
	}
	return writePEM(certPath, "CERTIFICATE", certBytes, 0644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
