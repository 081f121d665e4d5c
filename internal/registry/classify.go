package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "AgentMiner/internal/errors"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// CodeNoActivePuzzle 表示当前没有处于答题期的题目，等待下一轮即可。
const CodeNoActivePuzzle xerrors.Code = "NO_ACTIVE_PUZZLE"

func init() {
	xerrors.Register(CodeNoActivePuzzle, xerrors.Attributes{
		Message:  "no active puzzle",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassTransient,
	})
}

// revertText 拼出错误消息与 revert 数据，用于匹配选择器。
func revertText(err error) string {
	text := strings.ToLower(err.Error())
	var dataErr gethrpc.DataError
	if stdErrors.As(err, &dataErr) {
		if data := dataErr.ErrorData(); data != nil {
			text += " " + strings.ToLower(fmt.Sprint(data))
		}
	}
	return text
}

func isRevert(err error) bool {
	var dataErr gethrpc.DataError
	if stdErrors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// classify 把交易相关的错误映射为统一错误码。
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}

	text := revertText(err)
	meta := xerrors.WithMetadata("method", method)
	switch {
	case strings.Contains(text, selectorAlreadySubmitted):
		return xerrors.Wrap(xerrors.CodeTxRejectedDuplicate, err, "答案已提交", meta)
	case strings.Contains(text, selectorAnswerPeriodEnded):
		return xerrors.Wrap(xerrors.CodePuzzleExpired, err, "答题期已结束", meta)
	case strings.Contains(text, selectorProblemNotActive):
		return xerrors.Wrap(xerrors.CodePuzzleExpired, err, "题目不在答题期", meta)
	case strings.Contains(text, selectorAgentNotRegistered):
		return xerrors.Wrap(xerrors.CodeTxRejectedOther, err, "Agent 未注册", meta,
			xerrors.WithMetadata("reason", "agent_not_registered"))
	case strings.Contains(text, "insufficient funds"):
		return xerrors.Wrap(xerrors.CodeTxRejectedOther, err, "gas 余额不足", meta,
			xerrors.WithMetadata("reason", "insufficient_funds"))
	case strings.Contains(text, "nonce too low") || strings.Contains(text, "replacement transaction underpriced"):
		return xerrors.Wrap(xerrors.CodeNetworkTimeout, err, "nonce 冲突，稍后重试", meta)
	case isRevert(err):
		return xerrors.Wrap(xerrors.CodeTxRejectedOther, err, fmt.Sprintf("%s 被合约拒绝", method), meta,
			xerrors.WithMetadata("reason", "reverted"))
	}

	var rpcErr gethrpc.Error
	if stdErrors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeTxRejectedOther, err, fmt.Sprintf("%s 被节点拒绝", method), meta)
	}
	return xerrors.Wrap(xerrors.CodeNetworkTimeout, err, fmt.Sprintf("%s 调用失败", method), meta)
}

// readError 处理只读调用的失败，统一视为可重试的网络错误。
func readError(method string, err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeNetworkTimeout, err, fmt.Sprintf("读取 %s 失败", method),
		xerrors.WithMetadata("method", method))
}
