// Package certs loads and generates the mutual TLS material nodes use to
// talk to each other.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// File names written by Generate and read by Config.
const (
	CAFile         = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

// Config points at a directory of PEM files laid out by Generate.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// ServerName is checked against the server certificate. Defaults to "localhost".
	ServerName string `yaml:"server_name"`
}

func (c Config) path(name string) string { return filepath.Join(c.Dir, name) }

// ServerOption returns gRPC server credentials requiring client certificates.
func (c Config) ServerOption(logger *zap.Logger) (grpc.ServerOption, error) {
	tlsConf, err := LoadServerTLSConfig(c.path(CAFile), c.path(ServerCertFile), c.path(ServerKeyFile), logger)
	if err != nil {
		return nil, err
	}
	return grpc.Creds(credentials.NewTLS(tlsConf)), nil
}

// DialOption returns gRPC client credentials presenting the client certificate.
func (c Config) DialOption() (grpc.DialOption, error) {
	serverName := c.ServerName
	if serverName == "" {
		serverName = "localhost"
	}
	tlsConf, err := LoadClientTLSConfig(c.path(CAFile), c.path(ClientCertFile), c.path(ClientKeyFile), serverName)
	if err != nil {
		return nil, err
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsConf)), nil
}

func loadCAPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append CA cert to pool")
	}
	return pool, nil
}

// LoadServerTLSConfig loads the server's certificate and key, and the CA cert.
// It configures the server to require and verify client certificates.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string, logger *zap.Logger) (*tls.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	caCertPool, err := loadCAPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
		// Runs after the standard verification succeeded.
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			if len(verifiedChains) > 0 && len(verifiedChains[0]) > 0 {
				leaf := verifiedChains[0][0]
				logger.Debug("Client certificate verified",
					zap.String("subject", leaf.Subject.String()), zap.String("issuer", leaf.Issuer.String()))
			}
			return nil
		},
	}, nil
}

// LoadClientTLSConfig loads the client's certificate and key, and the CA cert.
// The server certificate must be issued by the CA for serverName.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath, serverName string) (*tls.Config, error) {
	clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	caCertPool, err := loadCAPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// --- Certificate Generation ---

// Generate writes a CA plus a server and a client certificate signed by it
// into dir. hosts become the server certificate's SANs; "localhost" and
// 127.0.0.1 are always included.
func Generate(dir string, hosts ...string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cert directory %s: %w", dir, err)
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caCert, err := createCACertificate(caKey)
	if err != nil {
		return err
	}
	if err := saveCert(filepath.Join(dir, CAFile), caCert); err != nil {
		return err
	}
	if err := saveKey(filepath.Join(dir, CAKeyFile), caKey); err != nil {
		return err
	}

	issue := func(cn string, sans []string, server bool, certName, keyName string) error {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		cert, err := createSignedCertificate(key, cn, sans, caCert, caKey, server)
		if err != nil {
			return err
		}
		if err := saveCert(filepath.Join(dir, certName), cert); err != nil {
			return err
		}
		return saveKey(filepath.Join(dir, keyName), key)
	}
	if err := issue("localhost", append([]string{"localhost", "127.0.0.1"}, hosts...), true, ServerCertFile, ServerKeyFile); err != nil {
		return fmt.Errorf("server certificate: %w", err)
	}
	if err := issue("gojogrid-node", []string{"gojogrid-node"}, false, ClientCertFile, ClientKeyFile); err != nil {
		return fmt.Errorf("client certificate: %w", err)
	}
	return nil
}

// createCACertificate creates a self-signed CA certificate.
func createCACertificate(privateKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"GojoGrid CA"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(certBytes)
}

// createSignedCertificate creates a server or client cert signed by a CA.
func createSignedCertificate(privateKey *ecdsa.PrivateKey, commonName string, sans []string,
	caCert *x509.Certificate, caKey *ecdsa.PrivateKey, isServer bool) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}
	if isServer {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &privateKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(certBytes)
}

// saveCert saves a certificate to a PEM file.
func saveCert(filename string, cert *x509.Certificate) error {
	certOut, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer certOut.Close()
	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// saveKey saves a private key to a PEM file.
func saveKey(filename string, key *ecdsa.PrivateKey) error {
	keyOut, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}
