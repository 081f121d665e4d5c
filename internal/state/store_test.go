package state

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/social"
)

func newStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	store, err := NewFileStore(Options{Path: filepath.Join(dir, "agent.state.json"), HistorySize: 4})
	if err != nil {
		t.Fatalf("NewFileStore 返回错误: %v", err)
	}
	return store
}

func registeredRecord() Record {
	return Record{
		Identity: &AgentIdentity{
			WalletAddress: "0xabc",
			PrivateKeyRef: "env:AGENT_KEY",
			SocialHandle:  "miner",
			AgentID:       7,
		},
		Stage: StageBound,
		Checkpoint: &CycleCheckpoint{
			CycleIndex: 3,
			Phase:      PhaseSubmitting,
			PuzzleID:   "42",
			UpdatedAt:  time.Unix(1700000000, 0).UTC(),
		},
		Reward: &RewardState{ClaimableAmount: big.NewInt(5), Claimable: true, Round: 9, LastClaimedRound: 8},
	}
}

func TestFileStoreFreshStart(t *testing.T) {
	store := newStore(t, t.TempDir())
	record, err := store.LoadRecord()
	if err != nil {
		t.Fatalf("LoadRecord 返回错误: %v", err)
	}
	if record != nil {
		t.Fatalf("期望空记录，得到 %+v", record)
	}
	identity, err := store.Load()
	if err != nil || identity != nil {
		t.Fatalf("期望无身份，得到 %+v, %v", identity, err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	if err := store.SaveRecord(registeredRecord()); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}

	reopened := newStore(t, dir)
	record, err := reopened.LoadRecord()
	if err != nil {
		t.Fatalf("LoadRecord 返回错误: %v", err)
	}
	if record == nil || record.Identity.AgentID != 7 || record.Stage != StageBound {
		t.Fatalf("记录未正确恢复: %+v", record)
	}
	if record.Checkpoint.Phase != PhaseSubmitting || record.Checkpoint.PuzzleID != "42" {
		t.Fatalf("检查点未正确恢复: %+v", record.Checkpoint)
	}
	if record.Reward.ClaimableAmount.Cmp(big.NewInt(5)) != 0 || record.Reward.LastClaimedRound != 8 {
		t.Fatalf("奖励状态未正确恢复: %+v", record.Reward)
	}
}

func TestFileStoreSaveCheckpointKeepsIdentity(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	if err := store.SaveRecord(registeredRecord()); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}
	if err := store.SaveCheckpoint(CycleCheckpoint{CycleIndex: 4, Phase: PhaseIdle}); err != nil {
		t.Fatalf("SaveCheckpoint 返回错误: %v", err)
	}
	cp, err := newStore(t, dir).LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint 返回错误: %v", err)
	}
	if cp.CycleIndex != 4 || cp.Phase != PhaseIdle {
		t.Fatalf("检查点未更新: %+v", cp)
	}
	identity, err := newStore(t, dir).Load()
	if err != nil || identity == nil || identity.WalletAddress != "0xabc" {
		t.Fatalf("身份应保留，得到 %+v, %v", identity, err)
	}
}

func TestFileStoreFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	first := registeredRecord()
	if err := store.SaveRecord(first); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}
	second := registeredRecord()
	second.Checkpoint.Phase = PhaseAwaitingReward
	if err := store.SaveRecord(second); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}

	if err := os.WriteFile(store.Path(), []byte(`{"version":2,"checksum":"dead","payload":{"stage":"bound"}}`), 0o600); err != nil {
		t.Fatalf("写入损坏文件失败: %v", err)
	}

	record, err := newStore(t, dir).LoadRecord()
	if err != nil {
		t.Fatalf("期望从备份恢复，得到错误: %v", err)
	}
	if record.Checkpoint.Phase != PhaseSubmitting {
		t.Fatalf("期望恢复上一个有效版本，得到 %s", record.Checkpoint.Phase)
	}
}

func TestEncodedRecordPassesChecksum(t *testing.T) {
	data, err := encode(registeredRecord())
	if err != nil {
		t.Fatalf("encode 返回错误: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("信封无法解析: %v", err)
	}
	if !strings.Contains(string(env.Payload), "\n") {
		t.Fatalf("文件应为缩进格式，payload 为 %s", env.Payload)
	}
	if env.Checksum != checksum(env.Payload) {
		t.Fatalf("缩进后的 payload 校验和应与写入时一致")
	}
	record, err := decode(data)
	if err != nil {
		t.Fatalf("decode 返回错误: %v", err)
	}
	if record.Identity.AgentID != 7 || record.Checkpoint.PuzzleID != "42" {
		t.Fatalf("解码结果不正确: %+v", record)
	}

	tampered := strings.Replace(string(data), `"puzzle_id": "42"`, `"puzzle_id": "43"`, 1)
	if tampered == string(data) {
		t.Fatalf("测试数据中缺少 puzzle_id 字段")
	}
	if _, err := decode([]byte(tampered)); !xerrors.HasCode(err, xerrors.CodeCorruptState) {
		t.Fatalf("内容被改动应返回 CORRUPT_STATE，得到 %v", err)
	}
}

func TestFileStoreRecoversFromTornWrite(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	first := registeredRecord()
	if err := store.SaveRecord(first); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}
	second := registeredRecord()
	second.Checkpoint.Phase = PhaseAwaitingReward
	second.Checkpoint.SubmitTxHash = "0xsubmit"
	if err := store.SaveRecord(second); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}

	// 模拟写到一半断电：主文件只剩前半段。
	content, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("读取主文件失败: %v", err)
	}
	if err := os.WriteFile(store.Path(), content[:len(content)/2], 0o600); err != nil {
		t.Fatalf("截断主文件失败: %v", err)
	}

	reopened := newStore(t, dir)
	record, err := reopened.LoadRecord()
	if err != nil {
		t.Fatalf("期望从备份恢复，得到错误: %v", err)
	}
	if record.Stage != StageBound || record.Identity.AgentID != 7 || record.Checkpoint.Phase != PhaseSubmitting {
		t.Fatalf("应恢复到上一次完整写入: %+v %+v", record, record.Checkpoint)
	}

	// 恢复后的写入不能用损坏的主文件覆盖备份。
	if err := reopened.SaveCheckpoint(CycleCheckpoint{CycleIndex: 4, Phase: PhaseIdle}); err != nil {
		t.Fatalf("SaveCheckpoint 返回错误: %v", err)
	}
	backup, err := decodeFile(store.Path() + ".bak")
	if err != nil || backup.Checkpoint.Phase != PhaseSubmitting {
		t.Fatalf("备份应保持为上一个有效版本: %+v %v", backup, err)
	}
	cp, err := newStore(t, dir).LoadCheckpoint()
	if err != nil || cp.CycleIndex != 4 {
		t.Fatalf("重启后应读到新的检查点: %+v %v", cp, err)
	}
}

func TestFileStoreCorruptWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("写入损坏文件失败: %v", err)
	}
	_, err := store.LoadRecord()
	if !xerrors.HasCode(err, xerrors.CodeCorruptState) {
		t.Fatalf("期望 CORRUPT_STATE，得到 %v", err)
	}
	if xerrors.ClassOf(err) != xerrors.ClassCorrupt {
		t.Fatalf("期望 Corrupt 分类，得到 %s", xerrors.ClassOf(err))
	}
}

func TestFileStoreRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	if err := store.SaveRecord(registeredRecord()); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}
	if err := store.SaveRecord(registeredRecord()); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}
	if err := os.WriteFile(store.Path(), []byte(`{"version":9,"payload":{}}`), 0o600); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	_, err := newStore(t, dir).LoadRecord()
	if !xerrors.HasCode(err, xerrors.CodeCorruptState) {
		t.Fatalf("未知版本应返回 CORRUPT_STATE，得到 %v", err)
	}
}

func TestFileStoreRejectsInconsistentRecord(t *testing.T) {
	store := newStore(t, t.TempDir())
	err := store.SaveRecord(Record{Stage: StageMining})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("挖矿阶段缺少身份应被拒绝，得到 %v", err)
	}
}

func TestFileStoreReadsVersionOne(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, dir)
	payload, _ := json.Marshal(registeredRecord())
	content, _ := json.Marshal(map[string]any{"version": 1, "payload": json.RawMessage(payload)})
	if err := os.WriteFile(store.Path(), content, 0o600); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	record, err := store.LoadRecord()
	if err != nil {
		t.Fatalf("版本 1 应可读取: %v", err)
	}
	if record.Identity.AgentID != 7 {
		t.Fatalf("身份未正确读取: %+v", record.Identity)
	}
}

func TestFileStoreMigratesLegacyState(t *testing.T) {
	dir := t.TempDir()
	legacyPath := filepath.Join(dir, "state.json")
	legacy := `{"wallet":"0xabc","agent_id":12,"x_handle":"@Miner","private_key_hint":"0x12...ab","registered":true}`
	if err := os.WriteFile(legacyPath, []byte(legacy), 0o600); err != nil {
		t.Fatalf("写入旧状态失败: %v", err)
	}
	store, err := NewFileStore(Options{Path: filepath.Join(dir, "agent.state.json"), LegacyPath: legacyPath})
	if err != nil {
		t.Fatalf("NewFileStore 返回错误: %v", err)
	}
	record, err := store.LoadRecord()
	if err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	if record.Stage != StageBound || record.Identity.AgentID != 12 || record.Identity.SocialHandle != "Miner" {
		t.Fatalf("迁移结果不正确: %+v %+v", record, record.Identity)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("迁移后应写入新格式文件: %v", err)
	}
}

func TestFileStoreTrimsPostHistory(t *testing.T) {
	store := newStore(t, t.TempDir())
	record := registeredRecord()
	for i := 0; i < 10; i++ {
		record.Posts = append(record.Posts, social.PostRecord{Channel: social.ChannelPrimary, ContentHash: string(rune('a' + i))})
	}
	if err := store.SaveRecord(record); err != nil {
		t.Fatalf("SaveRecord 返回错误: %v", err)
	}
	loaded, _ := store.LoadRecord()
	if len(loaded.Posts) != 4 || loaded.Posts[0].ContentHash != "g" {
		t.Fatalf("期望保留最近 4 条，得到 %+v", loaded.Posts)
	}
}

func TestFileStoreSingleWriter(t *testing.T) {
	dir := t.TempDir()
	first := newStore(t, dir)
	if err := first.Lock(); err != nil {
		t.Fatalf("第一次加锁失败: %v", err)
	}
	defer first.Close()

	second := newStore(t, dir)
	err := second.Lock()
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("第二个实例应被拒绝，得到 %v", err)
	}
}

func TestAnswerHash(t *testing.T) {
	hash, err := Answer{SolutionPayload: "258"}.Hash()
	if err != nil {
		t.Fatalf("Hash 返回错误: %v", err)
	}
	if hash[30] != 0x01 || hash[31] != 0x02 {
		t.Fatalf("大端编码错误: %x", hash)
	}

	neg, err := Answer{SolutionPayload: "-1"}.Hash()
	if err != nil {
		t.Fatalf("Hash 返回错误: %v", err)
	}
	for i, b := range neg {
		if b != 0xff {
			t.Fatalf("-1 应编码为全 0xff，第 %d 字节为 %x", i, b)
		}
	}

	if _, err := (Answer{SolutionPayload: "12.5"}).Hash(); err == nil {
		t.Fatalf("非整数答案应返回错误")
	}
}

func TestRewardStateHasUnclaimed(t *testing.T) {
	cases := []struct {
		name  string
		state RewardState
		want  bool
	}{
		{"nothing", RewardState{}, false},
		{"claimable", RewardState{ClaimableAmount: big.NewInt(1), Claimable: true, Round: 3, LastClaimedRound: 2}, true},
		{"already claimed", RewardState{ClaimableAmount: big.NewInt(1), Claimable: true, Round: 3, LastClaimedRound: 3}, false},
		{"not claimable", RewardState{ClaimableAmount: big.NewInt(1), Round: 4}, false},
	}
	for _, tc := range cases {
		if got := tc.state.HasUnclaimed(); got != tc.want {
			t.Fatalf("%s: 期望 %v，得到 %v", tc.name, tc.want, got)
		}
	}
}
