package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Signer is the custodial signing boundary used by the order pipeline.
// It checks the session, optionally asks the user to confirm, and signs with
// the user's decrypted key.
type Signer struct {
	vault     *Vault
	wallets   ports.WalletStore
	sessions  ports.SessionValidator
	confirmer ports.Confirmer
	timeout   time.Duration
	now       func() time.Time
}

var _ ports.OrderSigner = (*Signer)(nil)

// New creates a Signer. timeout bounds a whole DecryptAndSign call,
// including any wait on user confirmation.
func New(vault *Vault, wallets ports.WalletStore, sessions ports.SessionValidator, timeout time.Duration) *Signer {
	return &Signer{
		vault:    vault,
		wallets:  wallets,
		sessions: sessions,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithConfirmer makes every signature wait for c to approve it.
func (s *Signer) WithConfirmer(c ports.Confirmer) *Signer {
	s.confirmer = c
	return s
}

// DecryptAndSign signs payload with userID's custodial key.
func (s *Signer) DecryptAndSign(ctx context.Context, session, userID string, payload domain.OrderPayload) (domain.SignedOrder, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.sessions.ValidateSession(ctx, session, userID); err != nil {
		return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: session: %w", err)
	}

	wallet, err := s.wallets.GetWalletByUser(ctx, userID)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: %w", err)
	}

	if s.confirmer != nil {
		ok, err := s.confirmer.Confirm(ctx, userID, payload)
		if err != nil {
			if ctx.Err() != nil {
				return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: %w: confirmation timed out after %s", domain.ErrTransient, s.timeout)
			}
			return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: confirm: %w", err)
		}
		if !ok {
			return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: %w", domain.ErrSigningRejected)
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: %w: %v", domain.ErrTransient, err)
	}

	signed, err := s.vault.Sign(wallet.ID, payload, wallet.EncryptedKey, wallet.IV)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			slog.Error("signer: key decryption failed",
				"wallet_id", wallet.ID,
				"user_id", userID,
				"key_version", wallet.KeyVersion,
			)
		}
		return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: %w", err)
	}
	if !strings.EqualFold(signed.Maker, wallet.Address) {
		slog.Error("signer: decrypted key does not match wallet address",
			"wallet_id", wallet.ID,
			"address", wallet.Address,
		)
		return domain.SignedOrder{}, fmt.Errorf("signer.DecryptAndSign: %w: key/address mismatch for wallet %s", domain.ErrInvariant, wallet.ID)
	}

	if err := s.wallets.TouchWallet(ctx, wallet.ID, s.now()); err != nil {
		slog.Warn("signer: touch wallet", "wallet_id", wallet.ID, "err", err)
	}
	return signed, nil
}

// ProvisionWallet generates a new custodial key for userID and stores it
// encrypted. A user already holding a wallet gets ErrWalletExists.
func (s *Signer) ProvisionWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	if _, err := s.wallets.GetWalletByUser(ctx, userID); err == nil {
		return domain.Wallet{}, fmt.Errorf("signer.ProvisionWallet: user %s: %w", userID, domain.ErrWalletExists)
	} else if !errors.Is(err, domain.ErrKeyNotFound) {
		return domain.Wallet{}, fmt.Errorf("signer.ProvisionWallet: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("signer.ProvisionWallet: generate key: %w", err)
	}
	secret := &secretKey{raw: crypto.FromECDSA(key), key: key}
	defer secret.Destroy()

	w := domain.Wallet{
		ID:         uuid.New().String(),
		UserID:     userID,
		Address:    secret.Address().Hex(),
		KeyVersion: s.vault.KeyVersion(),
		CreatedAt:  s.now(),
	}
	w.EncryptedKey, w.IV, err = s.vault.Encrypt(w.ID, secret.raw)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("signer.ProvisionWallet: %w", err)
	}
	if err := s.wallets.CreateWallet(ctx, w); err != nil {
		return domain.Wallet{}, fmt.Errorf("signer.ProvisionWallet: %w", err)
	}

	slog.Info("signer: wallet provisioned", "user_id", userID, "wallet_id", w.ID, "address", w.Address)
	return w, nil
}
