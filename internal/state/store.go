package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	xerrors "AgentMiner/internal/errors"
	"AgentMiner/internal/social"
	"AgentMiner/pkg/logger"
)

// CurrentVersion 是当前写入的记录格式版本。
const CurrentVersion = 2

// Store 定义身份与周期检查点的持久化接口。
type Store interface {
	Load() (*AgentIdentity, error)
	Save(identity AgentIdentity) error
	LoadCheckpoint() (*CycleCheckpoint, error)
	SaveCheckpoint(cp CycleCheckpoint) error
	LoadRecord() (*Record, error)
	SaveRecord(record Record) error
}

// Options 配置 FileStore。
type Options struct {
	Path string
	// LegacyPath 指向旧版状态文件，仅在主文件不存在时读取。
	LegacyPath  string
	HistorySize int
	Logger      *slog.Logger
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum,omitempty"`
	SavedAt  time.Time       `json:"saved_at,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// FileStore 把单条记录保存在一个 JSON 文件中，写入采用临时文件加 rename。
type FileStore struct {
	path        string
	legacyPath  string
	historySize int
	logger      *slog.Logger
	lock        *flock.Flock

	mu        sync.Mutex
	record    *Record
	loaded    bool
	mainValid bool
}

// NewFileStore 创建文件存储，但不会立即读取或加锁。
func NewFileStore(opts Options) (*FileStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "状态文件路径不能为空")
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = social.DefaultHistorySize
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("state")
	}
	return &FileStore{
		path:        path,
		legacyPath:  strings.TrimSpace(opts.LegacyPath),
		historySize: opts.HistorySize,
		logger:      log,
		lock:        flock.New(path + ".lock"),
	}, nil
}

// Path 返回主文件路径。
func (s *FileStore) Path() string { return s.path }

// Lock 获取单写者锁，第二个实例会得到 INITIALIZATION_FAILURE。
func (s *FileStore) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建状态目录失败")
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取状态文件锁失败")
	}
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("状态文件 %s 已被另一个进程占用", s.path),
			xerrors.WithMetadata("lock", s.lock.Path()))
	}
	return nil
}

// Close 释放文件锁。
func (s *FileStore) Close() error {
	if s.lock == nil || !s.lock.Locked() {
		return nil
	}
	return s.lock.Unlock()
}

// LoadRecord 读取完整记录，文件不存在时返回 nil。
func (s *FileStore) LoadRecord() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	if s.record == nil {
		return nil, nil
	}
	clone := s.record.Clone()
	return &clone, nil
}

// SaveRecord 原子地写入完整记录。
func (s *FileStore) SaveRecord(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	return s.writeLocked(record.Clone())
}

// Load 返回已保存的身份。
func (s *FileStore) Load() (*AgentIdentity, error) {
	record, err := s.LoadRecord()
	if err != nil || record == nil || record.Identity == nil {
		return nil, err
	}
	return record.Identity, nil
}

// Save 更新身份，保留记录中的其他内容。
func (s *FileStore) Save(identity AgentIdentity) error {
	return s.update(func(r *Record) {
		id := identity
		r.Identity = &id
		if r.Stage == "" {
			r.Stage = StageUnregistered
		}
	})
}

// LoadCheckpoint 返回当前检查点。
func (s *FileStore) LoadCheckpoint() (*CycleCheckpoint, error) {
	record, err := s.LoadRecord()
	if err != nil || record == nil || record.Checkpoint == nil {
		return nil, err
	}
	return record.Checkpoint, nil
}

// SaveCheckpoint 替换当前检查点，任意时刻只有一个检查点生效。
func (s *FileStore) SaveCheckpoint(cp CycleCheckpoint) error {
	return s.update(func(r *Record) {
		c := cp
		r.Checkpoint = &c
	})
}

func (s *FileStore) update(mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}
	var next Record
	if s.record != nil {
		next = s.record.Clone()
	}
	mutate(&next)
	return s.writeLocked(next)
}

func (s *FileStore) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	record, err := s.readLocked()
	if err != nil {
		return err
	}
	s.record = record
	s.loaded = true
	return nil
}

func (s *FileStore) readLocked() (*Record, error) {
	record, err := decodeFile(s.path)
	switch {
	case err == nil:
		s.mainValid = true
		return record, nil
	case stdErrors.Is(err, fs.ErrNotExist):
		backup, bakErr := decodeFile(s.backupPath())
		if bakErr == nil {
			s.logger.Warn("主状态文件缺失，使用备份恢复", slog.String("path", s.backupPath()))
			return backup, nil
		}
		return s.migrateLegacyLocked()
	case xerrors.HasCode(err, xerrors.CodeCorruptState) && xerrors.MetadataOf(err, "reason") == "future_version":
		return nil, err
	}

	backup, bakErr := decodeFile(s.backupPath())
	if bakErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeCorruptState, err, "状态文件损坏且没有可用备份",
			xerrors.WithMetadata("path", s.path))
	}
	s.logger.Warn("状态文件损坏，已回退到备份",
		slog.String("path", s.path),
		slog.String("error", err.Error()))
	return backup, nil
}

func (s *FileStore) migrateLegacyLocked() (*Record, error) {
	if s.legacyPath == "" {
		return nil, nil
	}
	content, err := os.ReadFile(s.legacyPath)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取旧版状态文件失败")
	}
	record, err := migrateLegacy(content)
	if err != nil {
		return nil, err
	}
	s.logger.Info("已迁移旧版状态文件", slog.String("legacy_path", s.legacyPath), slog.String("stage", string(record.Stage)))
	if err := s.writeLocked(*record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *FileStore) backupPath() string { return s.path + ".bak" }

func (s *FileStore) writeLocked(record Record) error {
	if len(record.Posts) > s.historySize {
		record.Posts = append([]social.PostRecord(nil), record.Posts[len(record.Posts)-s.historySize:]...)
	}
	if record.Stage == "" {
		record.Stage = StageUnregistered
	}
	if err := record.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "拒绝写入不一致的状态")
	}

	data, err := encode(record)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建状态目录失败")
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步临时文件失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置状态文件权限失败")
	}

	// 主文件有效时先轮换为备份，损坏的主文件不能覆盖已有备份。
	if s.mainValid {
		if err := os.Rename(s.path, s.backupPath()); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "轮换状态备份失败")
		}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换状态文件失败")
	}
	success = true
	syncDir(dir)

	s.record = &record
	s.loaded = true
	s.mainValid = true
	return nil
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}

func encode(record Record) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化状态失败")
	}
	env := envelope{
		Version:  CurrentVersion,
		Checksum: checksum(payload),
		SavedAt:  time.Now().UTC(),
		Payload:  payload,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化状态失败")
	}
	return append(data, '\n'), nil
}

// checksum 对紧凑形式的 payload 取 sha256。文件按缩进格式写出，
// 读回的 payload 带有缩进，两侧都先压缩再计算。
func checksum(payload []byte) string {
	var canonical bytes.Buffer
	if err := json.Compact(&canonical, payload); err == nil {
		payload = canonical.Bytes()
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func decodeFile(path string) (*Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(content)
}

func decode(content []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCorruptState, err, "状态文件无法解析")
	}
	switch {
	case env.Version > CurrentVersion:
		return nil, xerrors.New(xerrors.CodeCorruptState,
			fmt.Sprintf("状态文件版本 %d 高于当前支持的 %d", env.Version, CurrentVersion),
			xerrors.WithMetadata("reason", "future_version"))
	case env.Version <= 0 || len(env.Payload) == 0:
		return nil, xerrors.New(xerrors.CodeCorruptState, "状态文件缺少版本或内容")
	case env.Version == CurrentVersion:
		if env.Checksum != checksum(env.Payload) {
			return nil, xerrors.New(xerrors.CodeCorruptState, "状态文件校验和不匹配")
		}
	}

	var record Record
	if err := json.Unmarshal(env.Payload, &record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCorruptState, err, "状态内容无法解析")
	}
	if record.Stage == "" {
		record.Stage = StageUnregistered
	}
	if err := record.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCorruptState, err, "状态内容不一致")
	}
	return &record, nil
}
