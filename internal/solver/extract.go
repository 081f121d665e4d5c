package solver

import (
	"math/big"
	"regexp"
	"strings"
)

var (
	reCodeBlock  = regexp.MustCompile("```[\\s\\S]*?```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reWholeLine  = regexp.MustCompile(`^-?\d[\d,]*(?:\.\d*)?$`)
	reAnyNumber  = regexp.MustCompile(`-?\d[\d,]*(?:\.\d*)?`)
)

// ExtractNumber 从模型回复中取出最终答案：优先取最后一个纯数字行，
// 否则取最后一个包含数字的行中的第一个数字。
func ExtractNumber(text string) (string, bool) {
	text = reCodeBlock.ReplaceAllString(strings.TrimSpace(text), "")
	text = reInlineCode.ReplaceAllString(text, "$1")
	lines := strings.Split(strings.TrimSpace(text), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(strings.ReplaceAll(lines[i], "**", ""))
		if line == "" {
			continue
		}
		if reWholeLine.MatchString(line) {
			return normalizeNumber(line)
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if m := reAnyNumber.FindString(line); m != "" {
			return normalizeNumber(m)
		}
	}
	return "", false
}

// normalizeNumber 去掉千位分隔符，整数值的小数形式转为整数。
func normalizeNumber(raw string) (string, bool) {
	raw = strings.TrimSuffix(strings.ReplaceAll(raw, ",", ""), ".")
	if raw == "" || raw == "-" {
		return "", false
	}
	if !strings.Contains(raw, ".") {
		return raw, true
	}
	r, ok := new(big.Rat).SetString(raw)
	if !ok {
		return "", false
	}
	if r.IsInt() {
		return r.Num().String(), true
	}
	return raw, true
}
