//go:build softhsm

package main

import (
	"github.com/alovak/cardflow-checkout/checkout"
	"github.com/alovak/cardflow-checkout/internal/security"
	"github.com/alovak/cardflow-checkout/internal/security/hsm"
)

func newEncryptor(cfg *checkout.Config) (security.Encryptor, func(), error) {
	if cfg.HSM.LibPath == "" {
		return nil, func() {}, nil
	}
	p := hsm.NewSoftHSMProvider(cfg.HSM.LibPath, cfg.HSM.Slot, cfg.HSM.PIN)
	if err := p.Open(); err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
