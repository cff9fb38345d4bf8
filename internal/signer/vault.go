package signer

// vault.go: custodia de claves privadas cifradas con AES-256-GCM.
//
// La master key viene de la configuración y nunca toca la base de datos.
// Cada wallet guarda su propio IV (nonce GCM) y el id de la wallet va como
// additional data: un blob copiado a otra fila no descifra.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"
)

const (
	masterKeyLen = 32

	// Taker address: zero address = public order
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// usdcUnits converts USDC and share quantities to the 1e6 integer units of
// the CTF exchange.
var usdcUnits = decimal.NewFromInt(1_000_000)

// Vault encrypts custodial keys and signs exchange orders with them.
// Decrypted material lives only inside a secretKey for the duration of one call.
type Vault struct {
	aead         cipher.AEAD
	orderBuilder builder.ExchangeOrderBuilder
	version      string
}

// NewVault builds a vault from a 32-byte master key given as hex or base64,
// signing orders for chainID.
func NewVault(masterKey string, chainID int64) (*Vault, error) {
	key, err := decodeMasterKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("signer.NewVault: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("signer.NewVault: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signer.NewVault: gcm: %w", err)
	}

	return &Vault{
		aead:         aead,
		orderBuilder: builder.NewExchangeOrderBuilderImpl(big.NewInt(chainID), nil),
		version:      "v1",
	}, nil
}

func decodeMasterKey(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("master key not configured")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == masterKeyLen {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == masterKeyLen {
		return b, nil
	}
	return nil, fmt.Errorf("master key must be %d bytes, hex or base64 encoded", masterKeyLen)
}

// KeyVersion identifies the master key generation that encrypted new wallets.
func (v *Vault) KeyVersion() string {
	return v.version
}

// Encrypt seals a raw private key for walletID under a fresh random IV.
func (v *Vault) Encrypt(walletID string, rawKey []byte) (ciphertext, iv []byte, err error) {
	if len(rawKey) == 0 {
		return nil, nil, fmt.Errorf("signer.Encrypt: empty key")
	}
	iv = make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("signer.Encrypt: generate iv: %w", err)
	}
	return v.aead.Seal(nil, iv, rawKey, []byte(walletID)), iv, nil
}

// secretKey is a decrypted private key. Destroy zeroes both the raw bytes
// and the scalar; callers defer it right after a successful open.
type secretKey struct {
	raw []byte
	key *ecdsa.PrivateKey
}

func (s *secretKey) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *secretKey) Destroy() {
	clear(s.raw)
	if s.key != nil && s.key.D != nil {
		clear(s.key.D.Bits())
		s.key.D.SetInt64(0)
	}
}

// open decrypts the wallet key. Any authentication failure of the
// ciphertext is ErrDecryptionFailed.
func (v *Vault) open(walletID string, ciphertext, iv []byte) (*secretKey, error) {
	if len(iv) != v.aead.NonceSize() {
		return nil, fmt.Errorf("%w: wallet %s: iv has %d bytes", domain.ErrDecryptionFailed, walletID, len(iv))
	}
	raw, err := v.aead.Open(nil, iv, ciphertext, []byte(walletID))
	if err != nil {
		return nil, fmt.Errorf("%w: wallet %s", domain.ErrDecryptionFailed, walletID)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		clear(raw)
		return nil, fmt.Errorf("%w: wallet %s: not a secp256k1 key", domain.ErrDecryptionFailed, walletID)
	}
	return &secretKey{raw: raw, key: key}, nil
}

// Sign decrypts the wallet key, builds the EIP-712 order for payload and
// returns it signed together with its order hash. The key is zeroed before
// Sign returns, on every path.
func (v *Vault) Sign(walletID string, payload domain.OrderPayload, encryptedKey, iv []byte) (domain.SignedOrder, error) {
	secret, err := v.open(walletID, encryptedKey, iv)
	if err != nil {
		return domain.SignedOrder{}, err
	}
	defer secret.Destroy()

	data, err := orderData(secret.Address(), payload)
	if err != nil {
		return domain.SignedOrder{}, err
	}
	contract := gomodel.CTFExchange
	if payload.NegRisk {
		contract = gomodel.NegRiskCTFExchange
	}

	signed, err := v.orderBuilder.BuildSignedOrder(secret.key, data, contract)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("signer.Sign: build signed order: %w", err)
	}
	hash, err := v.orderBuilder.BuildOrderHash(&signed.Order, contract)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("signer.Sign: order hash: %w", err)
	}

	side := "BUY"
	if payload.Side == domain.SideSell {
		side = "SELL"
	}
	return domain.SignedOrder{
		Hash:          hash.Hex(),
		Salt:          signed.Salt.String(),
		Maker:         signed.Maker.Hex(),
		Signer:        signed.Signer.Hex(),
		Taker:         signed.Taker.Hex(),
		TokenID:       signed.TokenId.String(),
		MakerAmount:   signed.MakerAmount.String(),
		TakerAmount:   signed.TakerAmount.String(),
		Expiration:    signed.Expiration.String(),
		Nonce:         signed.Nonce.String(),
		FeeRateBps:    signed.FeeRateBps.String(),
		Side:          side,
		SignatureType: int(signed.SignatureType.Int64()),
		Signature:     hexutil.Encode(signed.Signature),
	}, nil
}

// orderData turns a payload into CTF exchange amounts. Shares are rounded
// down to the 0.01 lot size; a buy gives USDC and takes shares, a sell the
// reverse.
func orderData(maker common.Address, p domain.OrderPayload) (*gomodel.OrderData, error) {
	if err := domain.ValidatePrice(p.Price); err != nil {
		return nil, fmt.Errorf("signer.orderData: %w", err)
	}
	shares := p.Amount.RoundDown(2)
	shareUnits := shares.Mul(usdcUnits).Truncate(0)
	cashUnits := shares.Mul(p.Price).Mul(usdcUnits).Truncate(0)
	if !shareUnits.IsPositive() || !cashUnits.IsPositive() {
		return nil, fmt.Errorf("signer.orderData: %w: %s shares at %s", domain.ErrInvalidAmount, p.Amount, p.Price)
	}

	data := &gomodel.OrderData{
		Maker:         maker.Hex(),
		Taker:         zeroAddress,
		TokenId:       p.TokenID,
		FeeRateBps:    fmt.Sprintf("%d", p.FeeRateBps),
		Nonce:         "0",
		Signer:        maker.Hex(),
		Expiration:    "0",
		SignatureType: gomodel.EOA,
	}
	if p.Side == domain.SideSell {
		data.Side = gomodel.SELL
		data.MakerAmount = shareUnits.String()
		data.TakerAmount = cashUnits.String()
	} else {
		data.Side = gomodel.BUY
		data.MakerAmount = cashUnits.String()
		data.TakerAmount = shareUnits.String()
	}
	return data, nil
}
