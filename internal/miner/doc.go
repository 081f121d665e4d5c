// Package miner 驱动智能体的注册流程与挖矿周期。
//
// Orchestrator 是一个单协程状态机：每次阶段切换都先把检查点写入持久化记录，
// 再执行下一阶段，因此进程在任意时刻崩溃后都能从记录继续，且不会重复提交
// 答案或重复领取奖励。Registrar 负责一次性的社交账号绑定与链上注册。
package miner
