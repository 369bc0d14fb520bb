/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wire

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// TLSConfig carries the material needed to dial a peer or orderer over
// (mutual) TLS. A zero-value TLSConfig with Enabled false dials in the
// clear, matching the teacher's insecure.NewCredentials() default.
type TLSConfig struct {
	Enabled            bool
	ServerNameOverride string
	RootCertPEM        []byte

	// ClientCertPEM/ClientKeyPEM, when both set, enable mutual TLS.
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// KeepaliveConfig mirrors grpc/keepalive.ClientParameters so callers don't
// need to import grpc directly to configure a Dialer.
type KeepaliveConfig struct {
	Time                time.Duration
	Timeout             time.Duration
	PermitWithoutStream bool
}

// DefaultKeepalive is a conservative default for long-lived peer/orderer
// connections: ping every 6 minutes, wait 3s for a pong, and keep pinging
// even when no stream is registered (needed for the otherwise-idle Deliver
// stream).
func DefaultKeepalive() KeepaliveConfig {
	return KeepaliveConfig{Time: 6 * time.Minute, Timeout: 3 * time.Second, PermitWithoutStream: true}
}

// Dial opens a gRPC connection to target, applying tlsCfg's transport
// credentials and ka's keepalive parameters.
func Dial(target string, tlsCfg TLSConfig, ka KeepaliveConfig) (*grpc.ClientConn, error) {
	creds, err := transportCredentials(tlsCfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build transport credentials for %s", target)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                ka.Time,
			Timeout:             ka.Timeout,
			PermitWithoutStream: ka.PermitWithoutStream,
		}),
	}

	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", target)
	}
	return conn, nil
}

func transportCredentials(cfg TLSConfig) (credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return insecure.NewCredentials(), nil
	}

	pool := x509.NewCertPool()
	if len(cfg.RootCertPEM) > 0 {
		if ok := pool.AppendCertsFromPEM(cfg.RootCertPEM); !ok {
			return nil, errors.New("failed to parse root certificate PEM")
		}
	}

	tlsConf := &tls.Config{
		RootCAs:    pool,
		ServerName: cfg.ServerNameOverride,
		MinVersion: tls.VersionTLS12,
	}

	if len(cfg.ClientCertPEM) > 0 && len(cfg.ClientKeyPEM) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse client key pair for mutual TLS")
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	return credentials.NewTLS(tlsConf), nil
}
