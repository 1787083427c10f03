package serverutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type boundListener struct {
	name string
	addr net.Addr
}

func readySignal() (chan boundListener, func(string, net.Addr)) {
	ch := make(chan boundListener, 4)
	return ch, func(name string, addr net.Addr) { ch <- boundListener{name: name, addr: addr} }
}

func statusHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func TestRunServesEveryListenerAndShutsDown(t *testing.T) {
	listeners := []Listener{
		{Name: "api", Server: &http.Server{Addr: "127.0.0.1:0", Handler: statusHandler(http.StatusNoContent)}},
		{Name: "metrics", Server: &http.Server{Addr: "127.0.0.1:0", Handler: statusHandler(http.StatusAccepted)}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	ready, onReady := readySignal()
	go func() {
		done <- Run(ctx, Config{Listeners: listeners, ShutdownTimeout: time.Second, Ready: onReady, Logger: discardLogger()})
	}()

	want := map[string]int{"api": http.StatusNoContent, "metrics": http.StatusAccepted}
	for range listeners {
		var bl boundListener
		select {
		case bl = <-ready:
		case <-time.After(time.Second):
			t.Fatal("listener did not start")
		}
		resp, err := http.Get("http://" + bl.addr.String() + "/")
		if err != nil {
			t.Fatalf("request %s: %v", bl.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want[bl.name] {
			t.Fatalf("%s: unexpected status %d", bl.name, resp.StatusCode)
		}
	}
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	ready, onReady := readySignal()
	go func() {
		done <- Run(ctx, Config{
			Listeners:       []Listener{{Name: "api", Server: server, TLS: TLSConfig{CertFile: certFile, KeyFile: keyFile}}},
			ShutdownTimeout: time.Second,
			Ready:           onReady,
			Logger:          discardLogger(),
		})
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	if server.TLSConfig == nil || server.TLSConfig.MinVersion != tls.VersionTLS12 || len(server.TLSConfig.Certificates) != 1 {
		t.Fatalf("expected TLS config with the loaded certificate, got %+v", server.TLSConfig)
	}
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunBindsAllOrNothing(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = taken.Close()
	})

	listeners := []Listener{
		{Name: "api", Server: &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}},
		{Name: "metrics", Server: &http.Server{Addr: taken.Addr().String(), Handler: http.NewServeMux()}},
	}
	ready, onReady := readySignal()
	err = Run(context.Background(), Config{Listeners: listeners, Ready: onReady, Logger: discardLogger()})
	if err == nil || !strings.Contains(err.Error(), `listener "metrics"`) {
		t.Fatalf("expected bind error naming the metrics listener, got %v", err)
	}
	select {
	case bl := <-ready:
		t.Fatalf("listener %s unexpectedly signalled readiness", bl.name)
	default:
	}
}

func TestRunValidatesConfig(t *testing.T) {
	cases := map[string]Config{
		"no listeners": {},
		"nil server":   {Listeners: []Listener{{Name: "api"}}},
		"half tls": {Listeners: []Listener{{
			Name:   "api",
			Server: &http.Server{Addr: "127.0.0.1:0"},
			TLS:    TLSConfig{CertFile: "cert.pem"},
		}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := Run(context.Background(), cfg); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		DNSNames: []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certPath, keyPath
}
