package signer

import "math/big"

// OpenAndDestroy decrypts a wallet key, destroys it and returns what is left
// of the raw bytes and the scalar.
func (v *Vault) OpenAndDestroy(walletID string, ciphertext, iv []byte) ([]byte, *big.Int, error) {
	s, err := v.open(walletID, ciphertext, iv)
	if err != nil {
		return nil, nil, err
	}
	s.Destroy()
	return s.raw, s.key.D, nil
}
