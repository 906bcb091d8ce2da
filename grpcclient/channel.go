package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io/fs"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"caikitnlp/config"
	"caikitnlp/internal/certs"
	"caikitnlp/internal/logging"
	"caikitnlp/nlp"
)

// BuildChannel validates the connection descriptor and constructs a lazy
// client connection. Three modes: plaintext, server-authenticated TLS, and
// mutual TLS. Network reachability is not checked here; dial failures
// surface on the first RPC.
func BuildChannel(cfg *config.Config) (*grpc.ClientConn, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "a non-empty host name is required")
	}
	if cfg.Port <= 0 {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "a positive port is required, got %d", cfg.Port)
	}
	if cfg.Insecure && cfg.HasTLSMaterial() {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "insecure mode excludes certificate material")
	}
	if cfg.Insecure && cfg.SkipVerify {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "insecure and skip_verify are mutually exclusive")
	}
	if cfg.SkipVerify && cfg.HasCA() {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "skip_verify contradicts an explicit CA certificate")
	}

	if cfg.Insecure {
		return grpc.NewClient(cfg.Target(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.NewClient(cfg.Target(), grpc.WithTransportCredentials(creds))
}

func transportCredentials(cfg *config.Config) (credentials.TransportCredentials, error) {
	ca, err := resolve(certs.Source{PEM: cfg.CACertPEM, Path: cfg.CACert})
	if err != nil {
		return nil, err
	}
	cert, err := resolve(certs.Source{PEM: cfg.ClientCertPEM, Path: cfg.ClientCert})
	if err != nil {
		return nil, err
	}
	key, err := resolve(certs.Source{PEM: cfg.ClientKeyPEM, Path: cfg.ClientKey})
	if err != nil {
		return nil, err
	}

	switch {
	case ca != nil && cert == nil && key == nil:
		pool, err := caPool(ca)
		if err != nil {
			return nil, err
		}
		return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil

	case ca != nil && cert != nil && key != nil:
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, nlp.WrapErr(nlp.KindInvalidArgument, "client certificate/key pair does not parse", err)
		}
		pool, err := caPool(ca)
		if err != nil {
			return nil, err
		}
		return credentials.NewTLS(&tls.Config{
			RootCAs:      pool,
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}), nil

	case ca == nil && cert == nil && key == nil && cfg.SkipVerify:
		logging.With("grpc").Warn("skip_verify set: trusting the certificate the server presents",
			"host", cfg.Host, "port", cfg.Port)
		probed, err := certs.FetchServerCertificate(context.Background(), strings.TrimSpace(cfg.Host), cfg.Port)
		if err != nil {
			return nil, nlp.WrapErr(nlp.KindConnectionFailed, err.Error(), err)
		}
		pool, err := caPool(probed)
		if err != nil {
			return nil, err
		}
		return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil

	default:
		return nil, nlp.Errf(nlp.KindInvalidArgument, "mTLS requires all three of CA certificate, client certificate and client key")
	}
}

func resolve(src certs.Source) ([]byte, error) {
	raw, err := certs.Resolve(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nlp.WrapErr(nlp.KindNotFound, "certificate file "+src.Path+" does not exist", err)
		}
		return nil, nlp.WrapErr(nlp.KindInvalidArgument, err.Error(), err)
	}
	return raw, nil
}

func caPool(pemBytes []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "CA material contains no parsable certificate")
	}
	return pool, nil
}
