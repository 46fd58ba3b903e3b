package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// startTestServer starts srv in the background and waits for it to bind.
// The returned stop function cancels the server and returns Start's result.
func startTestServer(t *testing.T, config *Config) (*Server, func() error) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	srv, err := New(config, logger)
	require.NoError(t, err, "Failed to create server")

	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errChan:
		cancel()
		t.Fatalf("Server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Server did not bind within timeout")
	}

	var stopped bool
	var stopErr error
	stop := func() error {
		if stopped {
			return stopErr
		}
		stopped = true
		cancel()
		select {
		case stopErr = <-errChan:
		case <-time.After(5 * time.Second):
			stopErr = fmt.Errorf("server did not shut down within timeout")
		}
		return stopErr
	}
	t.Cleanup(func() { stop() })

	return srv, stop
}

// newTestClient returns a client that trusts the certificate in certFile.
func newTestClient(t *testing.T, certFile string) *http.Client {
	pemData, err := os.ReadFile(certFile)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemData), "Failed to parse test certificate")

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{RootCAs: pool},
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}
}

// freePort returns a loopback port that nothing is listening on.
func freePort(t *testing.T) string {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := fmt.Sprintf("%d", l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return port
}

// generateTestCertificate generates a self-signed certificate for testing
func generateTestCertificate(certFile, keyFile string) error {
	certPEM, keyPEM, err := generateTestKeyPair()
	if err != nil {
		return err
	}

	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, keyPEM, 0600)
}

// generateCombinedCertificate writes the certificate and key into one file.
func generateCombinedCertificate(file string) error {
	certPEM, keyPEM, err := generateTestKeyPair()
	if err != nil {
		return err
	}

	return os.WriteFile(file, append(certPEM, keyPEM...), 0600)
}

func generateTestKeyPair() ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}

	privKeyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privKeyDER})
	return certPEM, keyPEM, nil
}
