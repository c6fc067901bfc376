//go:build !softhsm

package main

import (
	"github.com/alovak/cardflow-checkout/checkout"
	"github.com/alovak/cardflow-checkout/internal/security"
)

// newEncryptor returns nil so the orchestrator falls back to software
// AES-GCM. Build with -tags softhsm to honour the hsm config.
func newEncryptor(_ *checkout.Config) (security.Encryptor, func(), error) {
	return nil, func() {}, nil
}
