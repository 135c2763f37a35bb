// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/gangrun.git/lib/selfsigned"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

func tlsEnabled(cfg gangrun.TLSConfig) bool {
	return cfg.Certificate != "" || cfg.Key != "" || cfg.Automatic
}

func tlsConfigWithCertUpdater(cfg gangrun.TLSConfig, logger logrus.FieldLogger) (*tls.Config, error) {
	currentCert := make(chan *tls.Certificate, 1)
	loaded := false

	keyFile, certFile := cfg.Key, cfg.Certificate
	var update func() error
	switch {
	case keyFile == "" && certFile == "" && cfg.Automatic:
		update = func() error {
			cert, err := selfsigned.CertGenerator{Bits: 2048, Hosts: selfsigned.LocalHosts()}.Generate()
			if err != nil {
				return fmt.Errorf("error generating self-signed certificate: %w", err)
			}
			currentCert <- &cert
			return nil
		}
	case keyFile == "" || certFile == "":
		return nil, errors.New("cannot use TLS certificate: Agent.TLS.Key and Agent.TLS.Certificate must both be given")
	default:
		update = func() error {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return fmt.Errorf("error loading X509 key pair: %w", err)
			}
			if loaded {
				// Throw away old cert
				<-currentCert
			}
			currentCert <- &cert
			loaded = true
			return nil
		}
	}
	err := update()
	if err != nil {
		return nil, err
	}

	if certFile != "" {
		go func() {
			reload := make(chan os.Signal, 1)
			signal.Notify(reload, syscall.SIGHUP)
			for range reload {
				err := update()
				if err != nil {
					logger.WithError(err).Warn("error updating TLS certificate")
				} else {
					logger.Info("reloaded TLS certificate")
				}
			}
		}()
	}

	return &tls.Config{
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := <-currentCert
			currentCert <- cert
			return cert, nil
		},
	}, nil
}
