package events

import (
	"math/big"
	"testing"

	"irsvenue/crypto"
)

func TestLiquidationEventAttributes(t *testing.T) {
	trader := crypto.NewAddress(crypto.TraderPrefix, make([]byte, 20))
	liquidator := crypto.NewAddress(crypto.TraderPrefix, append([]byte{1}, make([]byte, 19)...))
	evt := Liquidation{
		Liquidator: liquidator,
		Trader:     trader,
		Repaid:     big.NewInt(600),
		SeizeValue: big.NewInt(630),
		Seizures: []Seizure{
			{Collateral: "usdc", Amount: big.NewInt(15), Insurance: true},
			{Collateral: "weth", Amount: big.NewInt(3)},
		},
	}.Event()
	if evt.Type != TypeLiquidation {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Attributes["repaid"] != "600" || evt.Attributes["seizeValue"] != "630" {
		t.Fatalf("unexpected amounts: %+v", evt.Attributes)
	}
	if evt.Attributes["seizures"] != "USDC:15:insurance,WETH:3:liquidator" {
		t.Fatalf("unexpected seizures attr %q", evt.Attributes["seizures"])
	}
	if evt.Attributes["trader"] != "" {
		t.Fatalf("zero trader should render empty, got %q", evt.Attributes["trader"])
	}
	if evt.Attributes["liquidator"] != liquidator.String() {
		t.Fatalf("unexpected liquidator %q", evt.Attributes["liquidator"])
	}
}

func TestCollateralMovedType(t *testing.T) {
	dep := CollateralMoved{Collateral: " usdc ", Amount: big.NewInt(5)}
	if dep.EventType() != TypeCollateralDeposited {
		t.Fatalf("unexpected type %s", dep.EventType())
	}
	wd := CollateralMoved{Withdrawal: true, Amount: big.NewInt(-1)}
	if wd.Event().Type != TypeCollateralWithdrawn {
		t.Fatalf("unexpected type %s", wd.Event().Type)
	}
	if dep.Event().Attributes["collateral"] != "USDC" {
		t.Fatalf("collateral not normalised: %q", dep.Event().Attributes["collateral"])
	}
}

type recorder struct{ got []Event }

func (r *recorder) Emit(e Event) { r.got = append(r.got, e) }

func TestBufferFlushAndDiscard(t *testing.T) {
	var buf Buffer
	buf.Emit(BadDebt{Debt: big.NewInt(1)})
	buf.Emit(PoolMatured{Timestamp: 9})
	if len(buf.Events()) != 2 {
		t.Fatalf("expected 2 buffered events")
	}
	a, b := &recorder{}, &recorder{}
	buf.Flush(NewFanout(a, b))
	if len(a.got) != 2 || len(b.got) != 2 {
		t.Fatalf("fanout did not deliver: %d %d", len(a.got), len(b.got))
	}
	if a.got[0].EventType() != TypeBadDebt {
		t.Fatalf("order not preserved")
	}
	buf.Emit(BadDebt{})
	buf.Discard()
	if len(buf.Events()) != 0 {
		t.Fatalf("discard left events behind")
	}
}
