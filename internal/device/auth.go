package device

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/util"
)

const (
	keyBits      = 2048
	modulusWords = keyBits / 32
)

// LoadKey reads a PEM RSA private key (PKCS#1 or PKCS#8), the format of
// ~/.android/adbkey.
func LoadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("%s: no PEM block found", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		return key, errors.Wrapf(err, "parse %s", path)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("%s: not an RSA key", path)
		}
		return key, nil
	default:
		return nil, errors.Errorf("%s: unsupported PEM type %q", path, block.Type)
	}
}

// GenerateKey creates a fresh 2048-bit key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	return key, errors.Wrap(err, "generate key")
}

// SaveKey writes key as PKCS#8 PEM to path and its Android public key to
// path + ".pub".
func SaveKey(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "marshal key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create key directory")
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}

	pub, err := EncodePublicKey(&key.PublicKey, keyComment())
	if err != nil {
		return err
	}
	// The .pub file holds the text form without the trailing NUL.
	return errors.Wrapf(os.WriteFile(path+".pub", pub[:len(pub)-1], 0o644), "write %s.pub", path)
}

// LoadOrGenerateKey loads path, creating a new key there if none exists.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	util.LogInfo("no key at %s, generating one", path)
	if key, err = GenerateKey(); err != nil {
		return nil, err
	}
	if err := SaveKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SignToken signs the device's AUTH token. The token is used as-is as a
// SHA-1 digest, which is what adbd verifies against.
func SignToken(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if len(token) != sha1.Size {
		return nil, adberr.Protocolf("AUTH token is %d bytes (need %d)", len(token), sha1.Size)
	}
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA1, token)
	if err != nil {
		return nil, errors.Wrap(err, "sign AUTH token")
	}
	return sig, nil
}

// EncodePublicKey renders pub in the Android mincrypt layout
//
//	len | n0inv | n[64] | rr[64] | e     (little-endian uint32 words)
//
// base64-encoded, followed by " <comment>" and a NUL.
func EncodePublicKey(pub *rsa.PublicKey, comment string) ([]byte, error) {
	if pub.N.BitLen() != keyBits {
		return nil, adberr.Conversionf(nil, "public key is %d bits (need %d)", pub.N.BitLen(), keyBits)
	}

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, r32)
	inv := new(big.Int).ModInverse(n0, r32)
	if inv == nil {
		return nil, adberr.Conversionf(nil, "modulus is even")
	}
	n0inv := new(big.Int).Sub(r32, inv)

	r := new(big.Int).Lsh(big.NewInt(1), keyBits)
	rr := new(big.Int).Exp(r, big.NewInt(2), pub.N)

	buf := make([]byte, 0, 4*(3+2*modulusWords))
	buf = binary.LittleEndian.AppendUint32(buf, modulusWords)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n0inv.Uint64()))
	buf = append(buf, littleEndian(pub.N)...)
	buf = append(buf, littleEndian(rr)...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pub.E))

	out := base64.StdEncoding.EncodeToString(buf)
	if comment != "" {
		out += " " + comment
	}
	return append([]byte(out), 0), nil
}

// littleEndian returns v as keyBits/8 little-endian bytes.
func littleEndian(v *big.Int) []byte {
	b := v.FillBytes(make([]byte, keyBits/8))
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func keyComment() string {
	name := "adbwire"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return name + "@" + host
}
