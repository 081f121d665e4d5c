package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 是编排器决定重试、放弃还是停机的依据。
type Class string

const (
	// ClassTransient 超时、限流、代理抖动，按退避策略重试。
	ClassTransient Class = "transient"
	// ClassRejected 远端明确拒绝了格式正确的请求，本轮放弃并保留现场。
	ClassRejected Class = "rejected"
	// ClassCorrupt 本地持久化状态不可读或不一致，启动即失败。
	ClassCorrupt Class = "corrupt"
	// ClassFatal 不可恢复的前置条件缺失，进程退出。
	ClassFatal Class = "fatal"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"

	CodeNetworkTimeout      Code = "NETWORK_TIMEOUT"
	CodeCorruptState        Code = "CORRUPT_STATE"
	CodeIdentityMissing     Code = "IDENTITY_MISSING"
	CodeSolverTimeout       Code = "SOLVER_TIMEOUT"
	CodeSolverRejected      Code = "SOLVER_REJECTED"
	CodeSolverUnavailable   Code = "SOLVER_UNAVAILABLE"
	CodePuzzleExpired       Code = "PUZZLE_EXPIRED"
	CodePostBlocked         Code = "POST_BLOCKED"
	CodePostTransient       Code = "POST_TRANSIENT_FAILURE"
	CodeTxRejectedDuplicate Code = "TX_REJECTED_DUPLICATE"
	CodeTxRejectedOther     Code = "TX_REJECTED_OTHER"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Class     Class
	Retryable bool
	Alert     bool
}

func retry(msg string, sev Severity) Attributes {
	return Attributes{Message: msg, Severity: sev, Class: ClassTransient, Retryable: true}
}

func reject(msg string, sev Severity) Attributes {
	return Attributes{Message: msg, Severity: sev, Class: ClassRejected}
}

func fatal(msg string) Attributes {
	return Attributes{Message: msg, Severity: SeverityCritical, Class: ClassFatal, Alert: true}
}

func alerting(a Attributes) Attributes {
	a.Alert = true
	return a
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               fatal("unknown error"),
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, Class: ClassFatal},
		CodeNotFound:              reject("resource not found", SeverityInfo),
		CodeRetriesExhausted:      alerting(Attributes{Message: "retries exhausted", Severity: SeverityWarning, Class: ClassTransient}),
		CodeInitializationFailure: fatal("component not initialized"),
		CodeStorageFailure:        alerting(retry("storage failure", SeverityCritical)),

		// 挖矿循环
		CodeNetworkTimeout:    retry("network timeout", SeverityWarning),
		CodeSolverTimeout:     retry("solver timed out", SeverityWarning),
		CodeSolverUnavailable: retry("solver unavailable", SeverityWarning),
		CodeSolverRejected:    alerting(reject("solver produced an invalid answer", SeverityWarning)),
		CodePuzzleExpired:     {Message: "puzzle expired", Severity: SeverityInfo, Class: ClassTransient},

		// 社交渠道
		CodePostTransient: retry("post failed transiently", SeverityInfo),
		CodePostBlocked:   alerting(reject("post blocked by platform", SeverityWarning)),

		// 链上交易
		CodeTxRejectedDuplicate: reject("transaction rejected as duplicate", SeverityInfo),
		CodeTxRejectedOther:     alerting(reject("transaction rejected", SeverityCritical)),

		// 本地状态
		CodeCorruptState:    {Message: "persisted state is corrupt", Severity: SeverityCritical, Class: ClassCorrupt, Alert: true},
		CodeIdentityMissing: fatal("agent identity missing or unregistered"),
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册时回落到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
