package audit

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/types"
)

func TestBuilderAggregates(t *testing.T) {
	alice := common.HexToAddress("0x0a")
	bob := common.HexToAddress("0x0b")

	builder := NewBuilder(3, "0xledger", "QmPlan")
	builder.AddUser(alice, 10, true)
	builder.AddUser(bob, 5, false)
	builder.RecordCommission(alice, 1, big.NewInt(600))
	builder.RecordCommission(alice, 1, big.NewInt(400))
	builder.RecordCommission(alice, 6, big.NewInt(100))
	builder.RecordCommission(bob, 2, big.NewInt(300))
	builder.RecordProfit(alice, big.NewInt(5_000))
	builder.RecordProfit(bob, big.NewInt(2_000))

	snapshot := builder.Build()
	if snapshot.Version != SnapshotVersion || snapshot.WeekNumber != 3 {
		t.Fatalf("header: %+v", snapshot)
	}
	if snapshot.Summary.TotalUsers != 2 {
		t.Fatalf("totalUsers = %d", snapshot.Summary.TotalUsers)
	}
	if snapshot.Summary.TotalCommissions.Cmp(big.NewInt(1_400)) != 0 {
		t.Fatalf("totalCommissions = %v", snapshot.Summary.TotalCommissions)
	}
	if snapshot.Summary.TotalProfits.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("totalProfits = %v", snapshot.Summary.TotalProfits)
	}

	row := snapshot.Users[0]
	if row.Address != alice.Hex() || row.Level != 10 || !row.LAI.Active {
		t.Fatalf("alice row: %+v", row)
	}
	if row.Commissions["L1"].Amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("alice L1 = %v", row.Commissions["L1"].Amount)
	}
	if row.Commissions["L6"].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("alice L6 = %v", row.Commissions["L6"].Amount)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	builder := NewBuilder(1, "0xledger", "QmPlan")
	builder.AddUser(common.HexToAddress("0x0a"), 5, true)
	builder.RecordCommission(common.HexToAddress("0x0a"), 2, big.NewInt(42))

	encoded, err := builder.Build().EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Summary.TotalCommissions.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("round trip lost totals: %v", decoded.Summary.TotalCommissions)
	}
	if decoded.Users[0].Commissions["L2"].Amount.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("round trip lost commissions: %+v", decoded.Users[0])
	}
}

func TestReconcile(t *testing.T) {
	builder := NewBuilder(4, "0xledger", "QmPlan")
	builder.AddUser(common.HexToAddress("0x0a"), 5, true)
	builder.RecordCommission(common.HexToAddress("0x0a"), 1, big.NewInt(900))
	builder.RecordProfit(common.HexToAddress("0x0a"), big.NewInt(10_000))
	snapshot := builder.Build()

	anchored := &types.WeeklyProof{
		Week:             4,
		TotalUsers:       1,
		TotalCommissions: big.NewInt(900),
		TotalProfits:     big.NewInt(10_000),
	}
	if err := Reconcile(snapshot, anchored); err != nil {
		t.Fatalf("clean reconcile: %v", err)
	}

	anchored.Week = 5
	if err := Reconcile(snapshot, anchored); !errors.Is(err, ErrWeekMismatch) {
		t.Fatalf("week drift: %v", err)
	}
	anchored.Week = 4

	anchored.TotalCommissions = big.NewInt(901)
	if err := Reconcile(snapshot, anchored); !errors.Is(err, ErrSummaryMismatch) {
		t.Fatalf("commission drift: %v", err)
	}
}
