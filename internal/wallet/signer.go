// Package wallet 负责加载签名密钥。密钥只在本包内持有，对外只暴露地址与签名能力。
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMiner/internal/errors"
)

const (
	refKeystore = "keystore:"
	refEnv      = "env:"
)

// Signer 对交易签名。
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner 用内存中的 secp256k1 私钥签名。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 包装一个已有私钥。
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address 返回钱包地址。
func (s *KeySigner) Address() common.Address { return s.address }

// SignTx 使用 EIP-155 / EIP-1559 兼容的签名器签名。
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// String 不输出任何密钥信息。
func (s *KeySigner) String() string {
	return "signer{" + s.address.Hex() + "}"
}

// Open 按引用加载密钥：keystore:<path> 读取加密的 keystore 文件，
// env:<VAR> 从环境变量读取十六进制私钥。
func Open(ref, passphrase string) (*KeySigner, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, refKeystore):
		path := strings.TrimPrefix(ref, refKeystore)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIdentityMissing, err, "读取 keystore 文件失败")
		}
		key, err := keystore.DecryptKey(content, passphrase)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIdentityMissing, err, "解密 keystore 失败")
		}
		return NewKeySigner(key.PrivateKey), nil
	case strings.HasPrefix(ref, refEnv):
		name := strings.TrimPrefix(ref, refEnv)
		raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(name)), "0x")
		if raw == "" {
			return nil, xerrors.New(xerrors.CodeIdentityMissing, fmt.Sprintf("环境变量 %s 未设置私钥", name))
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			// 不回显原始内容。
			return nil, xerrors.New(xerrors.CodeIdentityMissing, fmt.Sprintf("环境变量 %s 中的私钥格式无效", name))
		}
		return NewKeySigner(key), nil
	case ref == "":
		return nil, xerrors.New(xerrors.CodeIdentityMissing, "未配置私钥引用")
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥引用必须以 keystore: 或 env: 开头")
	}
}

// Create 在 dir 下生成新的加密 keystore，返回可供 Open 使用的引用。
func Create(dir, passphrase string) (string, common.Address, error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "生成 keystore 需要口令")
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.NewAccount(passphrase)
	if err != nil {
		return "", common.Address{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "生成 keystore 失败")
	}
	return refKeystore + account.URL.Path, account.Address, nil
}
