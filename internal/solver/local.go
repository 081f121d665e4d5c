package solver

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// LocalSolver 识别特定题型并直接计算答案，无法识别时返回 false。
type LocalSolver func(text string, agentID uint64) (*big.Int, bool)

// DefaultLocalSolvers 按优先级排列的内置题型。
var DefaultLocalSolvers = []LocalSolver{
	solveDiv35DigitalRootPower,
	solveDiv35Modulo,
	solveDiv35Simple,
	solveDigitSumTarget,
	solveFibonacciLikeIndex,
}

// SolveLocally 依次尝试内置题型。
func SolveLocally(solvers []LocalSolver, template string, agentID uint64) (*big.Int, bool) {
	text := Personalize(template, agentID)
	for _, solve := range solvers {
		if value, ok := solve(text, agentID); ok {
			return value, true
		}
	}
	return nil, false
}

// Personalize 把模板中的 {AGENT_ID} 替换为智能体编号。
func Personalize(template string, agentID uint64) string {
	return strings.ReplaceAll(template, "{AGENT_ID}", strconv.FormatUint(agentID, 10))
}

var (
	reNModPlus  = regexp.MustCompile(`(?i)N\s*=\s*\(?\s*(?:AGENT_ID|(\d+))\s*mod\s*(\d+)\s*\)?\s*\+\s*(\d+)`)
	reNLiteral  = regexp.MustCompile(`N\s*=\s*(\d+)\b`)
	reResultMod = regexp.MustCompile(`(?i)(?:modulo|mod)\s*\(\s*N\s+mod\s+(\d+)\s*\+\s*(\d+)\s*\)`)
	rePow2      = regexp.MustCompile(`(?i)raise\s+2\s+to\s+the\s+power|2\s*\^\s*(?:that|the)\s*digital\s*root`)
	reDigitSum  = regexp.MustCompile(`(?i)equals\s+(\d+)\s+mod\s+(\d+)`)
	reFibInit   = regexp.MustCompile(`(?i)a_0\s*=\s*(\d+)\s*,\s*a_1\s*=\s*(\d+)\s*,.*?a_n\s*=\s*\(\s*a_\{?n-1\}?\s*\+\s*a_\{?n-2\}?\s*\)\s*mod\s*\(?\s*(?:N\s*\+\s*(\d+)|(\d+))\s*\)?`)
	reFibIndex  = regexp.MustCompile(`(?i)a_\{?\s*(?:N\s*mod\s*(\d+)\s*\+\s*(\d+)|(\d+))\s*\}?`)
	reFibPost   = regexp.MustCompile(`(?i)\(?\s*R\s*\*\s*\(?\s*N\s*mod\s*(\d+)\s*\+\s*(\d+)\s*\)?\s*\)?\s*mod\s*(\d+)`)
)

func atoi(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// extractN 解析题目中 N 的定义。
func extractN(text string, agentID uint64) (uint64, bool) {
	if m := reNModPlus.FindStringSubmatch(text); m != nil {
		mod := atoi(m[2])
		if mod == 0 {
			return 0, false
		}
		base := agentID
		if m[1] != "" {
			base = atoi(m[1])
		}
		return base%mod + atoi(m[3]), true
	}
	if m := reNLiteral.FindStringSubmatch(text); m != nil {
		return atoi(m[1]), true
	}
	return 0, false
}

// sumMultiples 返回 1..n 中 k 的倍数之和。
func sumMultiples(k, n uint64) *big.Int {
	m := new(big.Int).SetUint64(n / k)
	sum := new(big.Int).Mul(m, new(big.Int).Add(m, big.NewInt(1)))
	sum.Rsh(sum, 1)
	return sum.Mul(sum, new(big.Int).SetUint64(k))
}

// sumDiv35Not15 返回 1..n 中能被 3 或 5 整除但不能被 15 整除的数之和。
func sumDiv35Not15(n uint64) *big.Int {
	total := new(big.Int).Add(sumMultiples(3, n), sumMultiples(5, n))
	fifteen := sumMultiples(15, n)
	return total.Sub(total, fifteen.Lsh(fifteen, 1))
}

func digitalRoot(v *big.Int) int64 {
	if v.Sign() == 0 {
		return 0
	}
	r := new(big.Int).Mod(new(big.Int).Sub(v, big.NewInt(1)), big.NewInt(9))
	return 1 + r.Int64()
}

func isDiv35(lower string) bool {
	return strings.Contains(lower, "divisible by 3 or 5") && strings.Contains(lower, "15")
}

func solveDiv35Simple(text string, agentID uint64) (*big.Int, bool) {
	lower := strings.ToLower(text)
	if !isDiv35(lower) || !strings.Contains(lower, "not") {
		return nil, false
	}
	if strings.Contains(lower, "modulo") || strings.Contains(lower, "digital root") {
		return nil, false
	}
	n, ok := extractN(text, agentID)
	if !ok {
		return nil, false
	}
	return sumDiv35Not15(n), true
}

func solveDiv35Modulo(text string, agentID uint64) (*big.Int, bool) {
	lower := strings.ToLower(text)
	if !isDiv35(lower) || strings.Contains(lower, "digital root") {
		return nil, false
	}
	m := reResultMod.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	n, ok := extractN(text, agentID)
	if !ok || atoi(m[1]) == 0 {
		return nil, false
	}
	modulus := n%atoi(m[1]) + atoi(m[2])
	if modulus == 0 {
		return nil, false
	}
	return new(big.Int).Mod(sumDiv35Not15(n), new(big.Int).SetUint64(modulus)), true
}

func solveDiv35DigitalRootPower(text string, agentID uint64) (*big.Int, bool) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "divisible by 3 or 5") || !strings.Contains(lower, "digital root") {
		return nil, false
	}
	n, ok := extractN(text, agentID)
	if !ok {
		return nil, false
	}
	dr := digitalRoot(sumDiv35Not15(n))
	if rePow2.MatchString(text) {
		return new(big.Int).Lsh(big.NewInt(1), uint(dr)), true
	}
	return big.NewInt(dr), true
}

func digitSum(v uint64) uint64 {
	var s uint64
	for v > 0 {
		s += v % 10
		v /= 10
	}
	return s
}

func sumPrimeFactors(n uint64) uint64 {
	var sum uint64
	for p := uint64(2); p*p <= n; p++ {
		for n%p == 0 {
			sum += p
			n /= p
		}
	}
	if n > 1 {
		sum += n
	}
	return sum
}

const searchLimit = 1_000_000

func solveDigitSumTarget(text string, agentID uint64) (*big.Int, bool) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "smallest positive integer") || !strings.Contains(lower, "sum of the digits") {
		return nil, false
	}
	m := reDigitSum.FindStringSubmatch(text)
	if m == nil || atoi(m[1]) != agentID || atoi(m[2]) == 0 {
		return nil, false
	}
	target := agentID % atoi(m[2])
	found := uint64(0)
	for candidate := uint64(1); candidate < searchLimit; candidate++ {
		if digitSum(candidate*agentID) == target {
			found = candidate
			break
		}
	}
	if found == 0 {
		return big.NewInt(0), true
	}
	if strings.Contains(lower, "prime factor") {
		return new(big.Int).SetUint64(sumPrimeFactors(found)), true
	}
	return new(big.Int).SetUint64(found), true
}

func solveFibonacciLikeIndex(text string, agentID uint64) (*big.Int, bool) {
	loc := reFibInit.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, false
	}
	m := reFibInit.FindStringSubmatch(text)
	a0, a1 := atoi(m[1]), atoi(m[2])
	var modulus uint64
	if m[3] != "" {
		modulus = agentID + atoi(m[3])
	} else {
		modulus = atoi(m[4])
	}
	if modulus == 0 {
		return nil, false
	}

	rest := text[loc[1]:]
	idx := reFibIndex.FindStringSubmatch(rest)
	if idx == nil {
		return nil, false
	}
	var k uint64
	switch {
	case idx[1] != "" && idx[2] != "":
		if atoi(idx[1]) == 0 {
			return nil, false
		}
		k = agentID%atoi(idx[1]) + atoi(idx[2])
	case idx[3] != "":
		k = atoi(idx[3])
	default:
		return nil, false
	}
	if k >= 10000 {
		return nil, false
	}

	prev, cur := a0, a1
	if k == 0 {
		cur = a0
	}
	for i := uint64(2); i <= k; i++ {
		prev, cur = cur, (prev+cur)%modulus
	}
	if post := reFibPost.FindStringSubmatch(rest); post != nil && atoi(post[1]) != 0 && atoi(post[3]) != 0 {
		r := (cur * (agentID%atoi(post[1]) + atoi(post[2]))) % atoi(post[3])
		return new(big.Int).SetUint64(r), true
	}
	return new(big.Int).SetUint64(cur), true
}
