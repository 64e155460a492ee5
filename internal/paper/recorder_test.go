package paper

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
)

func TestJSONLRecorderCapturesExitFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paper", "fills.jsonl")
	recorder, err := NewJSONLRecorder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJSONLRecorder error: %v", err)
	}
	account := NewAccount(d("1000"), recorder)
	_ = account.Open("AAPL", d("2"), d("100"))
	account.Mark("AAPL", d("101.25"))
	if _, err := account.SubmitExitOrder(context.Background(), "AAPL", d("2")); err != nil {
		t.Fatalf("SubmitExitOrder: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	recorder.Record(execution.Fill{Symbol: "IGNORED"})

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recorded file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one line in recorder output")
	}
	var decoded execution.Fill
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if decoded.Symbol != "AAPL" || decoded.Side != execution.Sell || !decoded.RealizedPnL.Equal(d("2.5")) {
		t.Fatalf("unexpected decoded fill %+v", decoded)
	}
	if scanner.Scan() {
		t.Fatalf("expected no writes after close")
	}
}
