//go:build softhsm

package hsm

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/alovak/cardflow-checkout/internal/security"
)

const gcmTagBits = 128

// SoftHSMProvider seals payloads inside a PKCS#11 token with CKM_AES_GCM.
// Each per-attempt key is imported as a session object and destroyed right
// after the single encryption. Enabled with the softhsm build tag so default
// builds do not need a PKCS#11 library.
type SoftHSMProvider struct {
	libPath string
	slotID  uint
	pin     string

	mu   sync.Mutex
	p11  *pkcs11.Ctx
	sess pkcs11.SessionHandle
}

func NewSoftHSMProvider(libPath string, slotID uint, pin string) *SoftHSMProvider {
	return &SoftHSMProvider{libPath: libPath, slotID: slotID, pin: pin}
}

func (p *SoftHSMProvider) Open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib %s: %w", p.libPath, security.ErrCryptoUnavailable)
	}
	if err := p.p11.Initialize(); err != nil {
		return fmt.Errorf("initialize: %v: %w", err, security.ErrCryptoUnavailable)
	}
	sess, err := p.p11.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = p.p11.Finalize()
		return fmt.Errorf("open session: %v: %w", err, security.ErrCryptoUnavailable)
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		_ = p.p11.CloseSession(p.sess)
		_ = p.p11.Finalize()
		return fmt.Errorf("login: %v: %w", err, security.ErrCryptoUnavailable)
	}
	return nil
}

func (p *SoftHSMProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.p11 != nil {
		if p.sess != 0 {
			_ = p.p11.Logout(p.sess)
			_ = p.p11.CloseSession(p.sess)
		}
		_ = p.p11.Finalize()
		p.p11.Destroy()
		p.p11 = nil
	}
}

func (p *SoftHSMProvider) Encrypt(plaintext []byte, key, nonce string) (string, error) {
	if err := security.CheckNonce(nonce); err != nil {
		return "", err
	}
	raw, err := security.DecodeKey(key)
	if err != nil {
		return "", err
	}
	defer security.Wipe(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.p11 == nil {
		return "", fmt.Errorf("provider not open: %w", security.ErrCryptoUnavailable)
	}

	// session object only: CKA_TOKEN=false keeps the key off the token
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, raw),
	}
	obj, err := p.p11.CreateObject(p.sess, template)
	if err != nil {
		return "", fmt.Errorf("import key: %v: %w", err, security.ErrInvalidKeyMaterial)
	}
	defer func() { _ = p.p11.DestroyObject(p.sess, obj) }()

	params := pkcs11.NewGCMParams([]byte(nonce), nil, gcmTagBits)
	defer params.Free()
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}
	if err := p.p11.EncryptInit(p.sess, mech, obj); err != nil {
		return "", fmt.Errorf("encrypt init: %v: %w", err, security.ErrCryptoUnavailable)
	}
	sealed, err := p.p11.Encrypt(p.sess, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt: %v: %w", err, security.ErrCryptoUnavailable)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

var _ security.Encryptor = (*SoftHSMProvider)(nil)
