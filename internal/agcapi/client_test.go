package agcapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	xerrors "AgentMiner/internal/errors"
)

func TestClientProblemEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/problem/current":
			_, _ = w.Write([]byte(`{"problem_id":12,"template_text":"Let N = {AGENT_ID}.","answer_deadline":1700000600}`))
		case "/api/problem/12/template":
			_, _ = w.Write([]byte(`{"template_text":"Let N = {AGENT_ID}."}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	problem, err := client.CurrentProblem(context.Background())
	if err != nil {
		t.Fatalf("CurrentProblem 返回错误: %v", err)
	}
	if problem.ID != 12 || problem.Deadline().Unix() != 1700000600 {
		t.Fatalf("题目解析错误: %+v", problem)
	}
	text, err := client.Template(context.Background(), 12)
	if err != nil || text != "Let N = {AGENT_ID}." {
		t.Fatalf("模板读取错误: %q %v", text, err)
	}
	if _, err := client.Template(context.Background(), 13); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("期望 NOT_FOUND，得到 %v", err)
	}
}

func TestClientClaimFlow(t *testing.T) {
	var confirmed Confirmation
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/x/create-claim":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			_, _ = w.Write([]byte(`{"verification_code":"AGC-1234","token":"tok"}`))
		case "/api/x/verify-claim":
			if r.URL.Query().Get("token") != "tok" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"x_handle":"miner"}`))
		case "/api/x/confirm-registration":
			_ = json.NewDecoder(r.Body).Decode(&confirmed)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", server.Client())
	claim, err := client.CreateClaim(context.Background())
	if err != nil || claim.VerificationCode != "AGC-1234" {
		t.Fatalf("CreateClaim 错误: %+v %v", claim, err)
	}
	verification, err := client.VerifyClaim(context.Background(), claim.Token)
	if err != nil || !verification.Success || verification.XHandle != "miner" {
		t.Fatalf("VerifyClaim 错误: %+v %v", verification, err)
	}
	err = client.ConfirmRegistration(context.Background(), Confirmation{Wallet: "0xabc", AgentID: 5, XHandle: "miner", XHash: "0x01"})
	if err != nil {
		t.Fatalf("ConfirmRegistration 错误: %v", err)
	}
	if confirmed.AgentID != 5 || confirmed.Wallet != "0xabc" {
		t.Fatalf("确认内容错误: %+v", confirmed)
	}
}

func TestClientErrorMapping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()
	client := NewClient(server.URL, server.Client())

	_, err := client.CurrentProblem(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeNetworkTimeout) || !xerrors.RetryableError(err) {
		t.Fatalf("5xx 应映射为可重试的 NETWORK_TIMEOUT，得到 %v", err)
	}

	status.Store(http.StatusForbidden)
	_, err = client.CreateClaim(context.Background())
	if !xerrors.HasCode(err, CodeAPIRejected) || xerrors.RetryableError(err) {
		t.Fatalf("4xx 应映射为 AGC_API_REJECTED，得到 %v", err)
	}

	server.Close()
	_, err = client.CurrentProblem(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeNetworkTimeout) {
		t.Fatalf("连接失败应映射为 NETWORK_TIMEOUT，得到 %v", err)
	}
}
