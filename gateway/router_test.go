package gateway

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core"
	"settlechain/storage"
)

func newTestGateway(t *testing.T) (http.Handler, *core.Node) {
	t.Helper()
	node := core.NewNode(storage.NewMemDB(), common.HexToAddress("0xaa"))
	err := node.InitGenesis(core.GenesisConfig{
		Root:             common.HexToAddress("0x01"),
		RulebookCID:      "QmPlan",
		RulebookHash:     []byte{1},
		PoolDailyLimit:   big.NewInt(1_000_000),
		PoolMonthlyLimit: big.NewInt(10_000_000),
	})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	router := NewRouter(Options{
		RPCHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
		Node: node,
	})
	return router, node
}

func TestHealthz(t *testing.T) {
	router, _ := newTestGateway(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	router, _ := newTestGateway(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := state["poolBalances"]; !ok {
		t.Fatalf("missing poolBalances: %v", state)
	}
}

func TestUserEndpoint(t *testing.T) {
	router, node := newTestGateway(t)
	member := common.HexToAddress("0x0111")
	if err := node.RegisterUser(member, common.HexToAddress("0x01")); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/"+member.Hex(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/0x0000000000000000000000000000000000009999", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/not-an-address", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status = %d", rec.Code)
	}
}

func TestProofEndpointNotFound(t *testing.T) {
	router, _ := newTestGateway(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/proofs/3", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
