package vault

import (
	"math/big"
	"testing"

	"github.com/luxfi/log"
)

// equalBig compares amounts by value; reflect-based equality is unreliable
// for big.Int because arithmetic can leave different zero representations
func equalBig(t *testing.T, want, got *big.Int) {
	t.Helper()
	if want.Cmp(got) != 0 {
		t.Fatalf("amount mismatch: want %s, got %s", want, got)
	}
}

func equalInt(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	equalBig(t, big.NewInt(want), got)
}

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

const (
	testAdmin    = "admin"
	testExecutor = "executor"
)

func testEngine(allow *AllowList) *Engine {
	return NewEngine(EngineConfig{
		Asset:        "USDC",
		VaultAddress: "vault",
		Admin:        testAdmin,
		Executors:    []string{testExecutor},
	}, allow, testLogger())
}
