package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core"
	"settlechain/gateway/auth"
	"settlechain/storage"
)

var (
	testOwner       = common.HexToAddress("0xaa")
	testDistributor = common.HexToAddress("0xd1")
	testRoot        = common.HexToAddress("0x01")
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Verifier, *core.Node) {
	t.Helper()
	node := core.NewNode(storage.NewMemDB(), testOwner)
	err := node.InitGenesis(core.GenesisConfig{
		Owner:            testOwner,
		Root:             testRoot,
		RulebookCID:      "QmPlan",
		RulebookHash:     []byte{1},
		PoolDailyLimit:   big.NewInt(1_000_000_000),
		PoolMonthlyLimit: big.NewInt(1_000_000_000),
	})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	node.Authority().Grant(core.RoleDistributor, testDistributor)
	node.Authority().Grant(core.RoleUpdater, testOwner)

	verifier := auth.NewVerifier([]byte("test-secret"))
	server := httptest.NewServer(NewServer(node, verifier, nil).Handler())
	t.Cleanup(server.Close)
	return server, verifier, node
}

func call(t *testing.T, server *httptest.Server, token, method string, params interface{}) *RPCResponse {
	t.Helper()
	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		envelope["params"] = []interface{}{params}
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s: %v", method, err)
	}
	return &decoded
}

func token(t *testing.T, verifier *auth.Verifier, addr common.Address) string {
	t.Helper()
	signed, err := verifier.IssueToken(addr, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return signed
}

func TestWriteRequiresToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := call(t, server, "", "settle_depositWeeklyPerformance", map[string]string{
		"amount": "100", "proofTag": "Qm",
	})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := call(t, server, "", "settle_unknown", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestDepositAndReadFlow(t *testing.T) {
	server, verifier, _ := newTestServer(t)
	ownerToken := token(t, verifier, testOwner)
	distToken := token(t, verifier, testDistributor)

	// Register and subscribe one member so the deposit has a snapshot.
	resp := call(t, server, ownerToken, "settle_registerUser", map[string]string{
		"address": "0x0000000000000000000000000000000000000111",
		"sponsor": testRoot.Hex(),
	})
	if resp.Error != nil {
		t.Fatalf("register: %+v", resp.Error)
	}
	resp = call(t, server, ownerToken, "settle_setSubscription", map[string]interface{}{
		"address": "0x0000000000000000000000000000000000000111",
		"active":  true,
		"expiry":  time.Now().Add(30 * 24 * time.Hour).Unix(),
	})
	if resp.Error != nil {
		t.Fatalf("subscribe: %+v", resp.Error)
	}

	resp = call(t, server, distToken, "settle_depositWeeklyPerformance", map[string]string{
		"amount": "1000000", "proofTag": "QmWeek1",
	})
	if resp.Error != nil {
		t.Fatalf("deposit: %+v", resp.Error)
	}

	resp = call(t, server, distToken, "settle_processDistributionBatch", map[string]interface{}{
		"week": 1, "chunkSize": 50,
	})
	if resp.Error != nil {
		t.Fatalf("process: %+v", resp.Error)
	}
	receipt, ok := resp.Result.(map[string]interface{})
	if !ok || receipt["completed"] != true {
		t.Fatalf("receipt: %+v", resp.Result)
	}

	resp = call(t, server, "", "settle_getSystemState", nil)
	if resp.Error != nil {
		t.Fatalf("state: %+v", resp.Error)
	}
	state, ok := resp.Result.(map[string]interface{})
	if !ok || state["currentWeek"] != float64(1) {
		t.Fatalf("state: %+v", resp.Result)
	}
}

func TestRoleDenialSurfacesUnauthorized(t *testing.T) {
	server, verifier, _ := newTestServer(t)
	strangerToken := token(t, verifier, common.HexToAddress("0x99"))
	resp := call(t, server, strangerToken, "settle_depositWeeklyPerformance", map[string]string{
		"amount": "100", "proofTag": "Qm",
	})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
}

func TestInvalidAmountRejected(t *testing.T) {
	server, verifier, _ := newTestServer(t)
	distToken := token(t, verifier, testDistributor)
	resp := call(t, server, distToken, "settle_depositWeeklyPerformance", map[string]string{
		"amount": "1.5", "proofTag": "Qm",
	})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}

func TestGetWeeklyProofNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := call(t, server, "", "settle_getWeeklyProof", map[string]uint64{"week": 9})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("expected not found, got %+v", resp.Error)
	}
}

func TestUserDashboardRead(t *testing.T) {
	server, _, node := newTestServer(t)
	if err := node.RegisterUser(common.HexToAddress("0x0222"), testRoot); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp := call(t, server, "", "settle_getUserDashboard", map[string]string{
		"address": common.HexToAddress("0x0222").Hex(),
	})
	if resp.Error != nil {
		t.Fatalf("dashboard: %+v", resp.Error)
	}
	dash, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result: %T", resp.Result)
	}
	if fmt.Sprintf("%v", dash["sponsor"]) == "" {
		t.Fatal("missing sponsor field")
	}
}
