package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrCodeReused      = errors.New("one-time code already used")
	ErrSharedFactor    = errors.New("privileged credential must differ from the one-time code secret")
)

// Verifier checks a secret presented by an operator.
type Verifier interface {
	Verify(operator, secret string, at time.Time) error
}

// TOTPVerifier validates time-based one-time codes. A code is accepted at
// most once per operator.
type TOTPVerifier struct {
	mu      sync.Mutex
	secrets map[string]string
	used    map[string]time.Time
	opts    totp.ValidateOpts
}

// NewTOTPVerifier builds a verifier from operator → base32 secret.
func NewTOTPVerifier(secrets map[string]string) *TOTPVerifier {
	cp := make(map[string]string, len(secrets))
	for op, s := range secrets {
		cp[op] = s
	}
	return &TOTPVerifier{
		secrets: cp,
		used:    map[string]time.Time{},
		opts: totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

func (v *TOTPVerifier) Verify(operator, code string, at time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	secret, ok := v.secrets[operator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperator, operator)
	}
	valid, err := totp.ValidateCustom(code, secret, at, v.opts)
	if err != nil || !valid {
		return ErrAuthFailed
	}

	for k, t := range v.used {
		if at.Sub(t) > 3*time.Duration(v.opts.Period)*time.Second {
			delete(v.used, k)
		}
	}
	key := operator + ":" + code
	if _, seen := v.used[key]; seen {
		return ErrCodeReused
	}
	v.used[key] = at
	return nil
}

// BcryptVerifier checks a privileged credential against bcrypt hashes.
type BcryptVerifier struct {
	hashes map[string][]byte
}

// NewBcryptVerifier builds a verifier from operator → bcrypt hash.
func NewBcryptVerifier(hashes map[string]string) *BcryptVerifier {
	m := make(map[string][]byte, len(hashes))
	for op, h := range hashes {
		m[op] = []byte(h)
	}
	return &BcryptVerifier{hashes: m}
}

func (v *BcryptVerifier) Verify(operator, credential string, _ time.Time) error {
	hash, ok := v.hashes[operator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperator, operator)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(credential)); err != nil {
		return ErrAuthFailed
	}
	return nil
}

// CheckDistinctFactors refuses a privileged hash that would also accept the
// operator's one-time code secret.
func CheckDistinctFactors(totpSecret, privilegedHash string) error {
	if totpSecret == "" || privilegedHash == "" {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(privilegedHash), []byte(totpSecret)) == nil {
		return ErrSharedFactor
	}
	return nil
}
