package address

import "testing"

func TestScriptPubKeyP2PKH(t *testing.T) {
	// Well-known mainnet P2PKH address (Bitcoin genesis coinbase payee).
	script, err := ScriptPubKey("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(script) != 25 {
		t.Fatalf("expected 25-byte P2PKH script, got %d", len(script))
	}
	if script[0] != 0x76 || script[1] != 0xa9 || script[2] != 0x14 {
		t.Fatalf("unexpected script prefix: %x", script[:3])
	}
	if script[23] != 0x88 || script[24] != 0xac {
		t.Fatalf("unexpected script suffix: %x", script[23:])
	}
}

func TestScriptPubKeyP2WPKH(t *testing.T) {
	script, err := ScriptPubKey("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(script) != 22 {
		t.Fatalf("expected 22-byte P2WPKH script, got %d", len(script))
	}
	if script[0] != 0x00 || script[1] != 0x14 {
		t.Fatalf("unexpected script prefix: %x", script[:2])
	}
}

func TestScriptPubKeyRejectsUnsupported(t *testing.T) {
	if _, err := ScriptPubKey("not-an-address"); err == nil {
		t.Fatal("expected an error for an unsupported address form")
	}
}
