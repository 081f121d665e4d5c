package state

import (
	"encoding/json"
	"strings"

	xerrors "AgentMiner/internal/errors"
)

// legacyState 是早期版本写入的扁平状态文件。
type legacyState struct {
	Wallet         string `json:"wallet"`
	AgentID        uint64 `json:"agent_id"`
	XHandle        string `json:"x_handle"`
	PrivateKeyHint string `json:"private_key_hint"`
	Registered     bool   `json:"registered"`
}

// migrateLegacy 把旧版状态转换为当前记录。旧文件只保存了密钥提示，
// 密钥引用需要由配置重新提供。
func migrateLegacy(content []byte) (*Record, error) {
	var legacy legacyState
	if err := json.Unmarshal(content, &legacy); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCorruptState, err, "旧版状态文件无法解析")
	}
	wallet := strings.TrimSpace(legacy.Wallet)
	if wallet == "" {
		return nil, xerrors.New(xerrors.CodeCorruptState, "旧版状态文件缺少钱包地址")
	}

	record := &Record{
		Identity: &AgentIdentity{
			WalletAddress: wallet,
			SocialHandle:  strings.TrimPrefix(strings.TrimSpace(legacy.XHandle), "@"),
			AgentID:       legacy.AgentID,
		},
		Stage: StageUnregistered,
	}
	switch {
	case legacy.Registered && legacy.AgentID > 0:
		record.Stage = StageBound
	case legacy.XHandle != "":
		record.Stage = StageRegistering
	}
	return record, nil
}
