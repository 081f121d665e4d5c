package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// 只包含挖矿流程需要调用的函数。
const (
	agentRegistryABI = `[
  {"name":"registerAgent","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"xAccountHash","type":"bytes32"}],
   "outputs":[{"name":"agentId","type":"uint256"}]},
  {"name":"getAgent","type":"function","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"wallet","type":"address"},{"name":"xAccountHash","type":"bytes32"},
              {"name":"streak","type":"uint256"},{"name":"correctCount","type":"uint256"},
              {"name":"active","type":"bool"},{"name":"registered","type":"bool"}]},
  {"name":"getAgentId","type":"function","stateMutability":"view",
   "inputs":[{"name":"wallet","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

	problemManagerABI = `[
  {"name":"submitAnswer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"problemId","type":"uint256"},{"name":"answer","type":"bytes32"}],
   "outputs":[]},
  {"name":"getProblem","type":"function","stateMutability":"view",
   "inputs":[{"name":"problemId","type":"uint256"}],
   "outputs":[{"name":"answerHash","type":"bytes32"},{"name":"answerDeadline","type":"uint256"},
              {"name":"revealDeadline","type":"uint256"},{"name":"status","type":"uint8"},
              {"name":"correctCount","type":"uint256"},{"name":"totalCorrectWeight","type":"uint256"},
              {"name":"winnerCount","type":"uint256"},{"name":"verifiedWinnerCount","type":"uint256"}]},
  {"name":"currentProblemId","type":"function","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"getAgentAnswerHash","type":"function","stateMutability":"view",
   "inputs":[{"name":"problemId","type":"uint256"},{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"","type":"bytes32"}]}
]`

	tokenABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"totalSupply","type":"function","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]}
]`

	rewardDistributorABI = `[
  {"name":"claimRewards","type":"function","stateMutability":"nonpayable",
   "inputs":[],
   "outputs":[]},
  {"name":"pendingRewards","type":"function","stateMutability":"view",
   "inputs":[{"name":"agentId","type":"uint256"}],
   "outputs":[{"name":"totalPending","type":"uint256"},{"name":"minerReward","type":"uint256"},
              {"name":"verifierReward","type":"uint256"},{"name":"streakBonus","type":"uint256"},
              {"name":"lastClaimedProblem","type":"uint256"},{"name":"claimable","type":"bool"}]}
]`
)

var (
	registryABI = mustParse(agentRegistryABI)
	problemABI  = mustParse(problemManagerABI)
	agcTokenABI = mustParse(tokenABI)
	rewardABI   = mustParse(rewardDistributorABI)
)

func mustParse(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic("registry: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// 合约自定义错误的 4 字节选择器。
const (
	selectorAlreadySubmitted   = "81d820a8"
	selectorAnswerPeriodEnded  = "ec2b7666"
	selectorProblemNotActive   = "2d0a3f8e"
	selectorAgentNotRegistered = "584a7938"
)
